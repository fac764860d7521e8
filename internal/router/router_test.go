package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/matricula-api/internal/handler"
	"github.com/noah-isme/matricula-api/internal/models"
	"github.com/noah-isme/matricula-api/internal/service"
	"github.com/noah-isme/matricula-api/pkg/config"
)

type stubEnrollments struct{ cancelled string }

func (s *stubEnrollments) Enroll(context.Context, models.EnrollRequest) (*models.EnrollmentResult, error) {
	return &models.EnrollmentResult{EnrollmentID: "e-1", SectionState: models.StateEnrolled}, nil
}

func (s *stubEnrollments) CancelSection(_ context.Context, studentID, _ string) (*models.Enrollment, error) {
	s.cancelled = studentID
	return &models.Enrollment{ID: "e-1", SectionState: models.StateCancelled}, nil
}

func (s *stubEnrollments) CancelLab(context.Context, string, string) (*models.Enrollment, error) {
	return &models.Enrollment{ID: "e-1"}, nil
}

func (s *stubEnrollments) Get(context.Context, string) (*models.Enrollment, error) {
	return &models.Enrollment{ID: "e-1", StudentID: "2024-0001"}, nil
}

func (s *stubEnrollments) List(context.Context, models.EnrollmentFilter) ([]models.Enrollment, *models.Pagination, error) {
	return nil, &models.Pagination{Page: 1, PageSize: 20}, nil
}

func (s *stubEnrollments) Availability(_ context.Context, kind models.ResourceKind, id string) (*models.Availability, error) {
	return &models.Availability{Kind: kind, ResourceID: id}, nil
}

func (s *stubEnrollments) Waitlist(context.Context, models.ResourceKind, string) ([]models.WaitlistEntry, error) {
	return []models.WaitlistEntry{}, nil
}

func (s *stubEnrollments) RunPass(context.Context) (*models.ReconciliationSummary, error) {
	return &models.ReconciliationSummary{}, nil
}

func (s *stubEnrollments) ReconcileResource(_ context.Context, kind models.ResourceKind, id string) (*models.ReconcileOutcome, error) {
	return &models.ReconcileOutcome{Kind: kind, ResourceID: id}, nil
}

func newTestRouter(t *testing.T) (http.Handler, *service.AuthService, *stubEnrollments) {
	t.Helper()
	cfg := &config.Config{Env: "test", APIPrefix: "/api/v1", Metrics: config.MetricsConfig{Enabled: true}}
	auth := service.NewAuthService(nil, nil, nil, service.AuthConfig{AccessTokenSecret: "router-secret", AccessTokenExpiry: time.Hour})
	stub := &stubEnrollments{}
	metrics := service.NewMetricsService()

	r := New(Dependencies{
		Config:         cfg,
		Logger:         zap.NewNop(),
		Metrics:        metrics,
		Tokens:         auth,
		Auth:           handler.NewAuthHandler(auth),
		Enrollments:    handler.NewEnrollmentHandler(stub),
		Resources:      handler.NewResourceHandler(stub, stub),
		Reconciliation: handler.NewReconciliationHandler(stub),
		Observability:  handler.NewMetricsHandler(metrics, nil),
	})
	return r, auth, stub
}

func bearer(t *testing.T, auth *service.AuthService, role models.UserRole, studentID string) string {
	t.Helper()
	user := &models.User{ID: "u-1", Role: role}
	if studentID != "" {
		user.StudentID = &studentID
	}
	token, err := auth.IssueToken(user, time.Now().Add(-time.Second))
	require.NoError(t, err)
	return "Bearer " + token
}

func do(r http.Handler, method, path, authorization, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRouterPublicEndpoints(t *testing.T) {
	r, _, _ := newTestRouter(t)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/ready", "", "").Code)

	metrics := do(r, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "http_requests_total")

	rec := do(r, http.MethodGet, "/health", "", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRouterRequiresToken(t *testing.T) {
	r, _, _ := newTestRouter(t)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/enrollments", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/api/v1/reconciliations", "", "").Code)
}

func TestRouterRoleChecks(t *testing.T) {
	r, auth, stub := newTestRouter(t)
	student := bearer(t, auth, models.RoleStudent, "2024-0001")
	registrar := bearer(t, auth, models.RoleRegistrar, "")

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/sections/s1/availability", student, "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/labs/l1/availability", student, "").Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/api/v1/sections/s1/waitlist", student, "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/sections/s1/waitlist", registrar, "").Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/api/v1/reconciliations", student, "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/reconciliations", registrar, "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/labs/l1/reconcile", registrar, "").Code)

	created := do(r, http.MethodPost, "/api/v1/enrollments", student, `{"section_id":"s1","process_type":"MATRICULA"}`)
	assert.Equal(t, http.StatusCreated, created.Code)

	cancelled := do(r, http.MethodPost, "/api/v1/sections/s1/cancel", student, "")
	assert.Equal(t, http.StatusOK, cancelled.Code)
	assert.Equal(t, "2024-0001", stub.cancelled)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/auth/me", student, "").Code)
}
