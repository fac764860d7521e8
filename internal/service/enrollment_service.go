package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/matricula-api/internal/models"
	"github.com/noah-isme/matricula-api/internal/repository"
	"github.com/noah-isme/matricula-api/pkg/database"
	appErrors "github.com/noah-isme/matricula-api/pkg/errors"
)

type registrationStore interface {
	WithTx(ctx context.Context, fn func(repository.RegistrationTx) error) error
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error)
	ListWaitlist(ctx context.Context, kind models.ResourceKind, resourceID string) ([]models.WaitlistEntry, error)
}

type availabilityInvalidator interface {
	Invalidate(ctx context.Context, kind models.ResourceKind, ids ...string)
}

// ReconcileTrigger schedules reconciliation of a single resource.
type ReconcileTrigger interface {
	TriggerResource(ctx context.Context, kind models.ResourceKind, id string) error
}

// EnrollmentOptions tunes retries and the optional reconcile-after-cancel hook.
type EnrollmentOptions struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	// OnCancel, when set, is asked to reconcile a resource after one of its
	// enrollments is cancelled.
	OnCancel ReconcileTrigger
}

// EnrollmentService runs the enrollment and cancellation workflows.
type EnrollmentService struct {
	store        registrationStore
	availability availabilityInvalidator
	metrics      *MetricsService
	validator    *validator.Validate
	logger       *zap.Logger
	opts         EnrollmentOptions
}

// NewEnrollmentService constructs EnrollmentService. availability and metrics may be nil.
func NewEnrollmentService(store registrationStore, availability availabilityInvalidator, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, opts EnrollmentOptions) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	return &EnrollmentService{store: store, availability: availability, metrics: metrics, validator: validate, logger: logger, opts: opts}
}

// Enroll decides the student's seat in the section and, when a lab is given,
// in the lab. Both decisions commit together or not at all.
func (s *EnrollmentService) Enroll(ctx context.Context, req models.EnrollRequest) (*models.EnrollmentResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, s.fail(appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload"))
	}
	if !req.ProcessType.Valid() {
		return nil, s.fail(appErrors.Clone(appErrors.ErrInvalidProcessType, "process type must be MATRICULA or ADICIONES_CANCELACIONES"))
	}
	labID := normalizeLabID(req.LabID)
	if labID != "" {
		if err := s.validator.Var(labID, "uuid"); err != nil {
			return nil, s.fail(appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "lab_id must be a uuid"))
		}
	}

	var enrollment *models.Enrollment
	err := s.withRetry(ctx, "enroll", func() error {
		return s.store.WithTx(ctx, func(tx repository.RegistrationTx) error {
			section, sectionSeat, err := decidePool(ctx, tx, models.ResourceSection, req.StudentID, req.SectionID)
			if err != nil {
				return err
			}

			record := &models.Enrollment{
				StudentID:    req.StudentID,
				SectionID:    section.ID,
				SectionState: sectionSeat.State,
				SectionOrder: sectionSeat.Order,
				ProcessType:  req.ProcessType,
			}

			if labID != "" {
				lab, labSeat, err := decidePool(ctx, tx, models.ResourceLab, req.StudentID, labID)
				if err != nil {
					return err
				}
				if lab.ClassID != section.ClassID {
					return appErrors.Clone(appErrors.ErrValidation, "lab does not belong to the section's class")
				}
				labState := labSeat.State
				record.LabID = &lab.ID
				record.LabState = &labState
				record.LabOrder = labSeat.Order
			}

			if err := tx.InsertEnrollment(ctx, record); err != nil {
				if isDuplicateEnrollment(err) {
					return appErrors.Wrap(err, appErrors.ErrDuplicateEnrollment.Code, appErrors.ErrDuplicateEnrollment.Status, appErrors.ErrDuplicateEnrollment.Message)
				}
				return err
			}
			enrollment = record
			return nil
		})
	})
	if err != nil {
		return nil, s.fail(asAppError(err, "failed to enroll student"))
	}

	s.metrics.RecordSeatDecision(models.ResourceSection, enrollment.SectionState)
	s.invalidate(ctx, models.ResourceSection, enrollment.SectionID)
	if enrollment.LabID != nil {
		s.metrics.RecordSeatDecision(models.ResourceLab, *enrollment.LabState)
		s.invalidate(ctx, models.ResourceLab, *enrollment.LabID)
	}

	s.logger.Info("enrollment created",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("student_id", enrollment.StudentID),
		zap.String("section_id", enrollment.SectionID),
		zap.String("section_state", string(enrollment.SectionState)),
		zap.String("process_type", string(enrollment.ProcessType)),
	)

	return &models.EnrollmentResult{
		EnrollmentID: enrollment.ID,
		SectionState: enrollment.SectionState,
		SectionOrder: enrollment.SectionOrder,
		LabState:     enrollment.LabState,
		LabOrder:     enrollment.LabOrder,
	}, nil
}

// CancelSection cancels the student's open section enrollment. The lab half of
// the same enrollment, if any, is left untouched.
func (s *EnrollmentService) CancelSection(ctx context.Context, studentID, sectionID string) (*models.Enrollment, error) {
	return s.cancel(ctx, models.ResourceSection, studentID, sectionID)
}

// CancelLab cancels the student's open lab enrollment.
func (s *EnrollmentService) CancelLab(ctx context.Context, studentID, labID string) (*models.Enrollment, error) {
	return s.cancel(ctx, models.ResourceLab, studentID, labID)
}

func (s *EnrollmentService) cancel(ctx context.Context, kind models.ResourceKind, studentID, resourceID string) (*models.Enrollment, error) {
	if strings.TrimSpace(studentID) == "" || strings.TrimSpace(resourceID) == "" {
		return nil, s.fail(appErrors.Clone(appErrors.ErrValidation, "student_id and "+resourceLabel(kind)+" id are required"))
	}
	if !isUUID(resourceID) {
		return nil, s.fail(appErrors.Clone(appErrors.ErrEnrollmentNotFound, "no open "+resourceLabel(kind)+" enrollment for student"))
	}

	var cancelled *models.Enrollment
	err := s.withRetry(ctx, "cancel", func() error {
		return s.store.WithTx(ctx, func(tx repository.RegistrationTx) error {
			open, err := tx.FindOpenEnrollment(ctx, kind, studentID, resourceID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return appErrors.Clone(appErrors.ErrEnrollmentNotFound, "no open "+resourceLabel(kind)+" enrollment for student")
				}
				return err
			}
			cancelled, err = tx.CancelEnrollment(ctx, kind, open.ID)
			return err
		})
	})
	if err != nil {
		return nil, s.fail(asAppError(err, "failed to cancel enrollment"))
	}

	s.metrics.RecordCancellation(kind)
	s.invalidate(ctx, kind, resourceID)
	s.logger.Info("enrollment cancelled",
		zap.String("enrollment_id", cancelled.ID),
		zap.String("student_id", studentID),
		zap.String("kind", string(kind)),
		zap.String("resource_id", resourceID),
	)

	if s.opts.OnCancel != nil {
		if err := s.opts.OnCancel.TriggerResource(ctx, kind, resourceID); err != nil {
			s.logger.Warn("reconcile after cancel not scheduled", zap.String("kind", string(kind)), zap.String("resource_id", resourceID), zap.Error(err))
		}
	}

	return cancelled, nil
}

// Get returns one enrollment.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.Enrollment, error) {
	if !isUUID(id) {
		return nil, appErrors.Clone(appErrors.ErrEnrollmentNotFound, "enrollment not found")
	}
	enrollment, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrEnrollmentNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, *models.Pagination, error) {
	if filter.ProcessType != "" && !filter.ProcessType.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrInvalidProcessType, "unknown process type filter")
	}
	enrollments, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	return enrollments, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Waitlist returns a resource's waitlist in promotion order.
func (s *EnrollmentService) Waitlist(ctx context.Context, kind models.ResourceKind, resourceID string) ([]models.WaitlistEntry, error) {
	if !kind.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown resource kind")
	}
	if !isUUID(resourceID) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, resourceLabel(kind)+" not found")
	}
	entries, err := s.store.ListWaitlist(ctx, kind, resourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, resourceLabel(kind)+" not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load waitlist")
	}
	if entries == nil {
		entries = []models.WaitlistEntry{}
	}
	return entries, nil
}

// withRetry reruns fn while it fails with a retryable database error. When the
// attempts run out the last error is reported as a concurrency conflict.
func (s *EnrollmentService) withRetry(ctx context.Context, operation string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !database.IsRetryable(err) {
			return err
		}
		s.metrics.RecordRetry(operation)
		s.logger.Warn("registration transaction conflict",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.String("sqlstate", database.SQLState(err)),
		)
		if attempt == s.opts.MaxAttempts {
			break
		}
		if s.opts.RetryBackoff > 0 {
			timer := time.NewTimer(s.opts.RetryBackoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return appErrors.Wrap(err, appErrors.ErrConcurrencyConflict.Code, appErrors.ErrConcurrencyConflict.Status, appErrors.ErrConcurrencyConflict.Message)
}

func (s *EnrollmentService) fail(err *appErrors.Error) error {
	s.metrics.RecordEnrollmentFailure(err.Code)
	return err
}

func (s *EnrollmentService) invalidate(ctx context.Context, kind models.ResourceKind, id string) {
	if s.availability != nil {
		s.availability.Invalidate(ctx, kind, id)
	}
}

// normalizeLabID maps the "no lab" spellings to the empty string.
func normalizeLabID(id string) string {
	id = strings.TrimSpace(id)
	if id == "0" {
		return ""
	}
	return id
}

// isDuplicateEnrollment reports whether err came from one of the indexes that
// allow a single open enrollment per student and resource.
func isDuplicateEnrollment(err error) bool {
	for _, kind := range models.ResourceKinds {
		cols, _ := kind.Columns()
		if database.IsUniqueViolation(err, cols.OpenIndex) {
			return true
		}
	}
	return false
}

// asAppError keeps typed errors and wraps anything else as internal.
func asAppError(err error, message string) *appErrors.Error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}
