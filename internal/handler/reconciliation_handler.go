package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/matricula-api/internal/models"
	"github.com/noah-isme/matricula-api/pkg/response"
)

type reconciler interface {
	RunPass(ctx context.Context) (*models.ReconciliationSummary, error)
	ReconcileResource(ctx context.Context, kind models.ResourceKind, id string) (*models.ReconcileOutcome, error)
}

// ReconciliationHandler lets staff run waitlist reconciliation on demand.
type ReconciliationHandler struct {
	reconciler reconciler
}

// NewReconciliationHandler constructs ReconciliationHandler.
func NewReconciliationHandler(r reconciler) *ReconciliationHandler {
	return &ReconciliationHandler{reconciler: r}
}

// RunPass godoc
// @Summary Run a full reconciliation pass
// @Description Promotes waitlisted students into free seats and renumbers every waitlist. A pass already running elsewhere yields 202 with skipped=true.
// @Tags Reconciliation
// @Produce json
// @Success 200 {object} response.Envelope
// @Success 202 {object} response.Envelope
// @Router /reconciliations [post]
func (h *ReconciliationHandler) RunPass(c *gin.Context) {
	summary, err := h.reconciler.RunPass(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	status := http.StatusOK
	if summary.Skipped {
		status = http.StatusAccepted
	}
	response.JSON(c, status, summary, nil)
}

// ReconcileResource returns a handler reconciling one resource of the given kind.
//
// @Summary Reconcile one section or lab
// @Tags Reconciliation
// @Produce json
// @Param id path string true "Section or lab ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sections/{id}/reconcile [post]
// @Router /labs/{id}/reconcile [post]
func (h *ReconciliationHandler) ReconcileResource(kind models.ResourceKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome, err := h.reconciler.ReconcileResource(c.Request.Context(), kind, c.Param("id"))
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, outcome)
	}
}
