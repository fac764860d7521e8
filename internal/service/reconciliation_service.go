package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/matricula-api/internal/models"
	"github.com/noah-isme/matricula-api/internal/repository"
	appErrors "github.com/noah-isme/matricula-api/pkg/errors"
	"github.com/noah-isme/matricula-api/pkg/jobs"
	"github.com/noah-isme/matricula-api/pkg/lock"
)

// Job types handled by the reconciliation queue.
const (
	JobReconcilePass     = "reconcile.pass"
	JobReconcileResource = "reconcile.resource"
)

// ResourceRef identifies one section or lab in a queued job.
type ResourceRef struct {
	Kind models.ResourceKind
	ID   string
}

type reconcileStore interface {
	WithTx(ctx context.Context, fn func(repository.RegistrationTx) error) error
	ListReconcileCandidates(ctx context.Context, kind models.ResourceKind) ([]string, error)
}

// ReconciliationConfig tunes the reconciliation job.
type ReconciliationConfig struct {
	RenumberOffset int
	LockKey        string
	LockTTL        time.Duration
	Interval       time.Duration
	Workers        int
	MaxRetries     int
}

// ReconciliationService promotes waitlisted enrollments into freed seats and
// keeps every waitlist numbered 1..N.
type ReconciliationService struct {
	store        reconcileStore
	locker       lock.Locker
	availability availabilityInvalidator
	metrics      *MetricsService
	logger       *zap.Logger
	cfg          ReconciliationConfig

	queue *jobs.Queue
}

// NewReconciliationService constructs ReconciliationService. A nil locker
// falls back to a process-local lock.
func NewReconciliationService(store reconcileStore, locker lock.Locker, availability availabilityInvalidator, metrics *MetricsService, logger *zap.Logger, cfg ReconciliationConfig) *ReconciliationService {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RenumberOffset <= 0 {
		cfg.RenumberOffset = 1000000
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "matricula:reconcile:lock"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &ReconciliationService{store: store, locker: locker, availability: availability, metrics: metrics, logger: logger, cfg: cfg}
}

// RunPass reconciles every candidate section and then every candidate lab.
// Each resource commits on its own; a failing resource is recorded and
// skipped. When another pass holds the lock the summary is marked Skipped.
func (s *ReconciliationService) RunPass(ctx context.Context) (*models.ReconciliationSummary, error) {
	summary := &models.ReconciliationSummary{StartedAt: time.Now().UTC()}

	held, ok, err := s.locker.TryAcquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
	if err != nil {
		s.metrics.ObserveReconcilePass(PassFailed, 0)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire reconciliation lock")
	}
	if !ok {
		summary.Skipped = true
		summary.FinishedAt = time.Now().UTC()
		s.metrics.ObserveReconcilePass(PassSkipped, 0)
		s.logger.Info("reconciliation pass skipped, lock held elsewhere")
		return summary, nil
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("reconciliation lock release failed", zap.Error(err))
		}
	}()

	for _, kind := range models.ResourceKinds {
		if err := ctx.Err(); err != nil {
			return s.finish(summary, err)
		}
		ids, err := s.store.ListReconcileCandidates(ctx, kind)
		if err != nil {
			s.recordFailure(summary, kind, "", err)
			continue
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return s.finish(summary, err)
			}
			summary.ResourcesScanned++
			outcome, err := s.reconcile(ctx, kind, id)
			if err != nil {
				s.recordFailure(summary, kind, id, err)
				continue
			}
			summary.Promoted += len(outcome.Promoted)
			if outcome.Renumbered > 0 {
				summary.Renumbered++
			}
		}
	}

	return s.finish(summary, nil)
}

// ReconcileResource reconciles one section or lab immediately.
func (s *ReconciliationService) ReconcileResource(ctx context.Context, kind models.ResourceKind, id string) (*models.ReconcileOutcome, error) {
	if !kind.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown resource kind")
	}
	if !isUUID(id) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, resourceLabel(kind)+" not found")
	}
	outcome, err := s.reconcile(ctx, kind, id)
	if err != nil {
		s.metrics.RecordReconcileFailure(kind)
		return nil, asAppError(err, "failed to reconcile "+resourceLabel(kind))
	}
	return outcome, nil
}

// TriggerResource queues a targeted reconciliation when the worker queue is
// running and reconciles inline otherwise.
func (s *ReconciliationService) TriggerResource(ctx context.Context, kind models.ResourceKind, id string) error {
	if s.queue != nil {
		err := s.queue.Enqueue(jobs.Job{
			ID:      uuid.NewString(),
			Type:    JobReconcileResource,
			Key:     fmt.Sprintf("%s:%s", kind, id),
			Payload: ResourceRef{Kind: kind, ID: id},
		})
		if errors.Is(err, jobs.ErrDuplicate) {
			return nil
		}
		return err
	}
	_, err := s.ReconcileResource(ctx, kind, id)
	return err
}

// Start runs the worker queue and, when an interval is configured, enqueues a
// full pass on every tick. It returns once the background goroutines are launched.
func (s *ReconciliationService) Start(ctx context.Context) {
	mux := jobs.Mux{
		JobReconcilePass:     s.handlePassJob,
		JobReconcileResource: s.handleResourceJob,
	}
	s.queue = jobs.NewQueue("reconciliation", mux.Handle, jobs.QueueConfig{
		Workers:    s.cfg.Workers,
		MaxRetries: s.cfg.MaxRetries,
		RetryDelay: time.Second,
		Logger:     s.logger,
	})
	s.queue.Start(ctx)

	if s.cfg.Interval > 0 {
		go jobs.Every(ctx, s.cfg.Interval, s.logger, "reconciliation", func(context.Context) {
			err := s.queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: JobReconcilePass, Key: JobReconcilePass})
			if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
				s.logger.Warn("reconciliation pass not queued", zap.Error(err))
			}
		})
	}
}

// Stop waits for queued reconciliation work to stop.
func (s *ReconciliationService) Stop() {
	if s.queue != nil {
		s.queue.Stop()
	}
}

func (s *ReconciliationService) handlePassJob(ctx context.Context, _ jobs.Job) error {
	_, err := s.RunPass(ctx)
	return err
}

func (s *ReconciliationService) handleResourceJob(ctx context.Context, job jobs.Job) error {
	ref, ok := job.Payload.(ResourceRef)
	if !ok {
		s.logger.Error("reconcile job without resource payload", zap.String("job_id", job.ID))
		return nil
	}
	_, err := s.ReconcileResource(ctx, ref.Kind, ref.ID)
	if appErrors.Is(err, appErrors.ErrNotFound) {
		return nil
	}
	return err
}

// reconcile promotes the head of one resource's waitlist into its vacancies
// and renumbers what remains, all in one transaction.
func (s *ReconciliationService) reconcile(ctx context.Context, kind models.ResourceKind, id string) (*models.ReconcileOutcome, error) {
	outcome := &models.ReconcileOutcome{Kind: kind, ResourceID: id}

	err := s.store.WithTx(ctx, func(tx repository.RegistrationTx) error {
		*outcome = models.ReconcileOutcome{Kind: kind, ResourceID: id}

		resource, err := tx.LockResource(ctx, kind, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, resourceLabel(kind)+" not found")
			}
			return err
		}
		if resource.Status != models.ResourceActive {
			return nil
		}

		enrolled, err := tx.CountEnrolled(ctx, kind, id)
		if err != nil {
			return err
		}
		vacancies := AvailableSeats(resource.Capacity, enrolled)
		if vacancies < 0 {
			vacancies = 0
		}
		outcome.Vacancies = vacancies

		head, err := tx.ListWaitlistHead(ctx, kind, id, vacancies)
		if err != nil {
			return err
		}
		promoted, err := tx.PromoteEnrollments(ctx, kind, head)
		if err != nil {
			return err
		}
		if int(promoted) != len(head) {
			return fmt.Errorf("promoted %d of %d waitlisted %s enrollments", promoted, len(head), resourceLabel(kind))
		}
		outcome.Promoted = head

		stats, err := tx.WaitlistStats(ctx, kind, id)
		if err != nil {
			return err
		}
		if stats.Contiguous() {
			return nil
		}

		offset := s.cfg.RenumberOffset
		if offset <= stats.MaxOrder {
			offset = stats.MaxOrder + 1
		}
		if _, err := tx.ShiftWaitlist(ctx, kind, id, offset); err != nil {
			return err
		}
		renumbered, err := tx.RenumberWaitlist(ctx, kind, id)
		if err != nil {
			return err
		}
		outcome.Renumbered = int(renumbered)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(outcome.Promoted) > 0 || outcome.Renumbered > 0 {
		s.metrics.RecordPromotions(kind, len(outcome.Promoted))
		if s.availability != nil {
			s.availability.Invalidate(ctx, kind, id)
		}
		s.logger.Info("resource reconciled",
			zap.String("kind", string(kind)),
			zap.String("resource_id", id),
			zap.Int("vacancies", outcome.Vacancies),
			zap.Int("promoted", len(outcome.Promoted)),
			zap.Int("renumbered", outcome.Renumbered),
		)
	}
	return outcome, nil
}

func (s *ReconciliationService) recordFailure(summary *models.ReconciliationSummary, kind models.ResourceKind, id string, err error) {
	summary.Failed++
	summary.Failures = append(summary.Failures, models.ReconcileFailure{Kind: kind, ResourceID: id, Error: err.Error()})
	s.metrics.RecordReconcileFailure(kind)
	s.logger.Warn("resource reconciliation failed", zap.String("kind", string(kind)), zap.String("resource_id", id), zap.Error(err))
}

func (s *ReconciliationService) finish(summary *models.ReconciliationSummary, err error) (*models.ReconciliationSummary, error) {
	summary.FinishedAt = time.Now().UTC()
	duration := summary.FinishedAt.Sub(summary.StartedAt)

	if err != nil {
		s.metrics.ObserveReconcilePass(PassFailed, duration)
		s.logger.Warn("reconciliation pass interrupted",
			zap.Int("resources", summary.ResourcesScanned),
			zap.Int("promoted", summary.Promoted),
			zap.Error(err),
		)
		return summary, err
	}

	s.metrics.ObserveReconcilePass(PassCompleted, duration)
	s.logger.Info("reconciliation pass finished",
		zap.Int("resources", summary.ResourcesScanned),
		zap.Int("promoted", summary.Promoted),
		zap.Int("renumbered", summary.Renumbered),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", duration),
	)
	return summary, nil
}
