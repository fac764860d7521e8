package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/matricula-api/internal/middleware"
	"github.com/noah-isme/matricula-api/internal/models"
	appErrors "github.com/noah-isme/matricula-api/pkg/errors"
	"github.com/noah-isme/matricula-api/pkg/response"
)

type enrollmentUseCases interface {
	Enroll(ctx context.Context, req models.EnrollRequest) (*models.EnrollmentResult, error)
	CancelSection(ctx context.Context, studentID, sectionID string) (*models.Enrollment, error)
	CancelLab(ctx context.Context, studentID, labID string) (*models.Enrollment, error)
	Get(ctx context.Context, id string) (*models.Enrollment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, *models.Pagination, error)
}

// EnrollmentHandler exposes enrollment endpoints.
type EnrollmentHandler struct {
	enrollments enrollmentUseCases
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(enrollments enrollmentUseCases) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments}
}

// Create godoc
// @Summary Enroll student in a section and optional lab
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body models.EnrollRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /enrollments [post]
func (h *EnrollmentHandler) Create(c *gin.Context) {
	var req models.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	studentID, err := middleware.ActingStudent(claimsFromContext(c), strings.TrimSpace(req.StudentID))
	if err != nil {
		response.Error(c, err)
		return
	}
	req.StudentID = studentID
	req.ProcessType = models.ProcessType(strings.ToUpper(strings.TrimSpace(string(req.ProcessType))))

	result, err := h.enrollments.Enroll(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// List godoc
// @Summary List enrollments
// @Tags Enrollments
// @Produce json
// @Param studentId query string false "Filter by student (staff only)"
// @Param sectionId query string false "Filter by section"
// @Param labId query string false "Filter by lab"
// @Param state query string false "Filter by section state"
// @Param processType query string false "Filter by process type"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Param sort query string false "created_at, updated_at or section_order"
// @Param order query string false "asc or desc"
// @Success 200 {object} response.Envelope
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	filter := models.EnrollmentFilter{
		SectionID:    c.Query("sectionId"),
		LabID:        c.Query("labId"),
		SectionState: models.EnrollmentState(strings.ToUpper(c.Query("state"))),
		ProcessType:  models.ProcessType(strings.ToUpper(c.Query("processType"))),
		Page:         queryInt(c, "page", 1),
		PageSize:     queryInt(c, "limit", 20),
		SortBy:       c.Query("sort"),
		SortOrder:    c.Query("order"),
	}

	claims := claimsFromContext(c)
	if claims != nil && !claims.Role.IsStaff() {
		studentID, err := middleware.ActingStudent(claims, c.Query("studentId"))
		if err != nil {
			response.Error(c, err)
			return
		}
		filter.StudentID = studentID
	} else {
		filter.StudentID = c.Query("studentId")
	}

	enrollments, pagination, err := h.enrollments.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Paginated(c, enrollments, pagination)
}

// Get godoc
// @Summary Get enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	enrollment, err := h.enrollments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	// Students only see their own rows; anything else looks absent.
	if claims := claimsFromContext(c); claims != nil && !claims.Role.IsStaff() && claims.StudentID != enrollment.StudentID {
		response.Error(c, appErrors.ErrEnrollmentNotFound)
		return
	}
	response.OK(c, enrollment)
}

// CancelSection godoc
// @Summary Cancel a section enrollment
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Section ID"
// @Param payload body models.CancelRequest false "Student to cancel (staff only)"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sections/{id}/cancel [post]
func (h *EnrollmentHandler) CancelSection(c *gin.Context) {
	h.cancel(c, h.enrollments.CancelSection)
}

// CancelLab godoc
// @Summary Cancel a lab enrollment
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Lab ID"
// @Param payload body models.CancelRequest false "Student to cancel (staff only)"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /labs/{id}/cancel [post]
func (h *EnrollmentHandler) CancelLab(c *gin.Context) {
	h.cancel(c, h.enrollments.CancelLab)
}

func (h *EnrollmentHandler) cancel(c *gin.Context, fn func(ctx context.Context, studentID, resourceID string) (*models.Enrollment, error)) {
	var req models.CancelRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.Error(c, err)
		return
	}
	studentID, err := middleware.ActingStudent(claimsFromContext(c), strings.TrimSpace(req.StudentID))
	if err != nil {
		response.Error(c, err)
		return
	}

	enrollment, err := fn(c.Request.Context(), studentID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, enrollment)
}
