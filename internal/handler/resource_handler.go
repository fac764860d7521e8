package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/matricula-api/internal/models"
	"github.com/noah-isme/matricula-api/pkg/response"
)

type availabilityReader interface {
	Availability(ctx context.Context, kind models.ResourceKind, id string) (*models.Availability, error)
}

type waitlistReader interface {
	Waitlist(ctx context.Context, kind models.ResourceKind, resourceID string) ([]models.WaitlistEntry, error)
}

// ResourceHandler exposes seat availability and waitlists for sections and labs.
type ResourceHandler struct {
	capacity  availabilityReader
	waitlists waitlistReader
}

// NewResourceHandler constructs ResourceHandler.
func NewResourceHandler(capacity availabilityReader, waitlists waitlistReader) *ResourceHandler {
	return &ResourceHandler{capacity: capacity, waitlists: waitlists}
}

// Availability returns a handler reporting seats for the given resource kind.
//
// @Summary Seat availability
// @Tags Resources
// @Produce json
// @Param id path string true "Section or lab ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sections/{id}/availability [get]
// @Router /labs/{id}/availability [get]
func (h *ResourceHandler) Availability(kind models.ResourceKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		availability, err := h.capacity.Availability(c.Request.Context(), kind, c.Param("id"))
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, availability)
	}
}

// Waitlist returns a handler listing the waitlist for the given resource kind.
//
// @Summary Waitlist in promotion order
// @Tags Resources
// @Produce json
// @Param id path string true "Section or lab ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sections/{id}/waitlist [get]
// @Router /labs/{id}/waitlist [get]
func (h *ResourceHandler) Waitlist(kind models.ResourceKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := h.waitlists.Waitlist(c.Request.Context(), kind, c.Param("id"))
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, entries)
	}
}
