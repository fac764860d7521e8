package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/matricula-api/internal/models"
	appErrors "github.com/noah-isme/matricula-api/pkg/errors"
	"github.com/noah-isme/matricula-api/pkg/lock"
)

type failingLocker struct{ err error }

func (f failingLocker) TryAcquire(context.Context, string, time.Duration) (lock.Lock, bool, error) {
	return nil, false, f.err
}

func newTestReconciler(store *memStore, locker lock.Locker, metrics *MetricsService) *ReconciliationService {
	return NewReconciliationService(store, locker, nil, metrics, zap.NewNop(), ReconciliationConfig{LockKey: "test:reconcile"})
}

// seedFullSection creates a section of the given capacity with `enrolled`
// enrolled students and one waitlisted student per order.
func seedFullSection(store *memStore, capacity int, enrolled []string, waiting map[string]int) string {
	section := store.addResource(models.ResourceSection, "class-1", capacity)
	for _, student := range enrolled {
		store.seed(student, section, models.StateEnrolled, nil)
	}
	for student, order := range waiting {
		store.seed(student, section, models.StateWaitlisted, intPtr(order))
	}
	return section
}

func TestRunPassPromotesAfterCancellation(t *testing.T) {
	store := newMemStore()
	section := store.addResource(models.ResourceSection, "class-1", 2)
	enrollments := newTestEnrollmentService(store, EnrollmentOptions{})
	metrics := NewMetricsService()
	reconciler := newTestReconciler(store, nil, metrics)
	ctx := context.Background()

	for _, student := range []string{"A", "B", "C", "D", "E"} {
		_, err := enrollments.Enroll(ctx, enrollReq(student, section, ""))
		require.NoError(t, err)
	}
	_, err := enrollments.CancelSection(ctx, "A", section)
	require.NoError(t, err)

	summary, err := reconciler.RunPass(ctx)
	require.NoError(t, err)
	assert.False(t, summary.Skipped)
	assert.Equal(t, 1, summary.ResourcesScanned)
	assert.Equal(t, 1, summary.Promoted)
	assert.Equal(t, 1, summary.Renumbered)
	assert.Zero(t, summary.Failed)

	assert.Equal(t, models.StateCancelled, store.byStudent(t, "A", section).SectionState)
	assert.Equal(t, models.StateEnrolled, store.byStudent(t, "B", section).SectionState)
	c := store.byStudent(t, "C", section)
	assert.Equal(t, models.StateEnrolled, c.SectionState)
	assert.Nil(t, c.SectionOrder)
	assert.Equal(t, intPtr(1), store.byStudent(t, "D", section).SectionOrder)
	assert.Equal(t, intPtr(2), store.byStudent(t, "E", section).SectionOrder)
	assertPoolInvariants(t, store, true)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.promotions.WithLabelValues("SECTION")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.reconcilePasses.WithLabelValues(PassCompleted)))
}

func TestRunPassIsIdempotent(t *testing.T) {
	store := newMemStore()
	seedFullSection(store, 3, []string{"A"}, map[string]int{"B": 4, "C": 7, "D": 9, "E": 12})
	reconciler := newTestReconciler(store, nil, nil)
	ctx := context.Background()

	first, err := reconciler.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Promoted)
	after := store.snapshot()
	assertPoolInvariants(t, store, true)

	second, err := reconciler.RunPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.ResourcesScanned)
	assert.Zero(t, second.Promoted)
	assert.Zero(t, second.Renumbered)
	assert.Equal(t, after, store.snapshot())
}

func TestRunPassRenumbersGapsWithoutVacancies(t *testing.T) {
	store := newMemStore()
	section := seedFullSection(store, 1, []string{"A"}, map[string]int{"B": 2, "C": 5, "D": 9})
	reconciler := NewReconciliationService(store, nil, nil, nil, nil, ReconciliationConfig{RenumberOffset: 1})

	summary, err := reconciler.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Promoted)
	assert.Equal(t, 1, summary.Renumbered)

	assert.Equal(t, intPtr(1), store.byStudent(t, "B", section).SectionOrder)
	assert.Equal(t, intPtr(2), store.byStudent(t, "C", section).SectionOrder)
	assert.Equal(t, intPtr(3), store.byStudent(t, "D", section).SectionOrder)
	assertPoolInvariants(t, store, true)
}

func TestRunPassPromotesInWaitlistOrder(t *testing.T) {
	store := newMemStore()
	section := seedFullSection(store, 1, []string{"A"}, map[string]int{"B": 1, "C": 2, "D": 3, "E": 4})
	store.setCapacity(models.ResourceSection, section, 3)
	reconciler := newTestReconciler(store, nil, nil)

	summary, err := reconciler.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Promoted)

	assert.Equal(t, models.StateEnrolled, store.byStudent(t, "B", section).SectionState)
	assert.Equal(t, models.StateEnrolled, store.byStudent(t, "C", section).SectionState)
	d := store.byStudent(t, "D", section)
	assert.Equal(t, models.StateWaitlisted, d.SectionState)
	assert.Equal(t, intPtr(1), d.SectionOrder)
	assert.Equal(t, intPtr(2), store.byStudent(t, "E", section).SectionOrder)
}

func TestRunPassReconcilesLabsIndependently(t *testing.T) {
	store := newMemStore()
	section := store.addResource(models.ResourceSection, "class-1", 3)
	lab := store.addResource(models.ResourceLab, "class-1", 1)
	enrollments := newTestEnrollmentService(store, EnrollmentOptions{})
	reconciler := newTestReconciler(store, nil, nil)
	ctx := context.Background()

	for _, student := range []string{"A", "B", "C"} {
		_, err := enrollments.Enroll(ctx, enrollReq(student, section, lab))
		require.NoError(t, err)
	}
	_, err := enrollments.CancelLab(ctx, "A", lab)
	require.NoError(t, err)

	summary, err := reconciler.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Promoted)

	b := store.byStudent(t, "B", section)
	assert.Equal(t, models.StateEnrolled, *b.LabState)
	assert.Nil(t, b.LabOrder)
	c := store.byStudent(t, "C", section)
	assert.Equal(t, models.StateWaitlisted, *c.LabState)
	assert.Equal(t, intPtr(1), c.LabOrder)

	a := store.byStudent(t, "A", section)
	assert.Equal(t, models.StateEnrolled, a.SectionState)
	assert.Equal(t, models.StateCancelled, *a.LabState)
	assertPoolInvariants(t, store, true)
}

func TestRunPassSkipsCancelledResources(t *testing.T) {
	store := newMemStore()
	section := seedFullSection(store, 2, nil, map[string]int{"A": 1, "B": 3})
	store.setStatus(models.ResourceSection, section, models.ResourceCancelled)
	reconciler := newTestReconciler(store, nil, nil)
	before := store.snapshot()

	summary, err := reconciler.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.ResourcesScanned)
	assert.Equal(t, before, store.snapshot())

	outcome, err := reconciler.ReconcileResource(context.Background(), models.ResourceSection, section)
	require.NoError(t, err)
	assert.Empty(t, outcome.Promoted)
	assert.Zero(t, outcome.Renumbered)
	assert.Equal(t, before, store.snapshot())
}

func TestRunPassContinuesPastFailingResource(t *testing.T) {
	store := newMemStore()
	broken := seedFullSection(store, 1, nil, map[string]int{"A": 1})
	healthy := seedFullSection(store, 1, nil, map[string]int{"B": 1})
	store.failLock(models.ResourceSection, broken, errors.New("connection reset"))
	metrics := NewMetricsService()
	reconciler := newTestReconciler(store, nil, metrics)

	summary, err := reconciler.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ResourcesScanned)
	assert.Equal(t, 1, summary.Promoted)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, broken, summary.Failures[0].ResourceID)
	assert.Equal(t, models.ResourceSection, summary.Failures[0].Kind)

	assert.Equal(t, models.StateWaitlisted, store.byStudent(t, "A", broken).SectionState)
	assert.Equal(t, models.StateEnrolled, store.byStudent(t, "B", healthy).SectionState)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.reconcileFailures.WithLabelValues("SECTION")))

	// The next pass picks the broken section up again.
	summary, err = reconciler.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Promoted)
	assert.Equal(t, models.StateEnrolled, store.byStudent(t, "A", broken).SectionState)
}

func TestRunPassSkippedWhileLockHeld(t *testing.T) {
	store := newMemStore()
	section := seedFullSection(store, 1, nil, map[string]int{"A": 1})
	locker := lock.NewLocal()
	metrics := NewMetricsService()
	reconciler := newTestReconciler(store, locker, metrics)
	ctx := context.Background()

	held, ok, err := locker.TryAcquire(ctx, "test:reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	summary, err := reconciler.RunPass(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Equal(t, models.StateWaitlisted, store.byStudent(t, "A", section).SectionState)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.reconcilePasses.WithLabelValues(PassSkipped)))

	require.NoError(t, held.Release(ctx))
	summary, err = reconciler.RunPass(ctx)
	require.NoError(t, err)
	assert.False(t, summary.Skipped)
	assert.Equal(t, models.StateEnrolled, store.byStudent(t, "A", section).SectionState)

	// The pass released its own lock.
	again, ok, err := locker.TryAcquire(ctx, "test:reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, again.Release(ctx))
}

func TestRunPassLockFailure(t *testing.T) {
	store := newMemStore()
	reconciler := newTestReconciler(store, failingLocker{err: errors.New("redis down")}, nil)

	_, err := reconciler.RunPass(context.Background())
	assert.True(t, appErrors.Is(err, appErrors.ErrInternal))
}

func TestRunPassStopsOnCancelledContext(t *testing.T) {
	store := newMemStore()
	section := seedFullSection(store, 1, nil, map[string]int{"A": 1})
	reconciler := newTestReconciler(store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := reconciler.RunPass(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)
	assert.Zero(t, summary.ResourcesScanned)
	assert.Equal(t, models.StateWaitlisted, store.byStudent(t, "A", section).SectionState)
}

func TestReconcileResourceErrors(t *testing.T) {
	store := newMemStore()
	reconciler := newTestReconciler(store, nil, nil)
	ctx := context.Background()

	_, err := reconciler.ReconcileResource(ctx, "ROOM", "x")
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = reconciler.ReconcileResource(ctx, models.ResourceLab, "missing")
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))

	_, err = reconciler.ReconcileResource(ctx, models.ResourceSection, uuid.NewString())
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestReconcileResourceInvalidatesAvailability(t *testing.T) {
	store := newMemStore()
	section := seedFullSection(store, 2, []string{"A"}, map[string]int{"B": 1})
	invalidator := &recordingInvalidator{}
	reconciler := NewReconciliationService(store, nil, invalidator, nil, nil, ReconciliationConfig{})

	outcome, err := reconciler.ReconcileResource(context.Background(), models.ResourceSection, section)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Vacancies)
	assert.Len(t, outcome.Promoted, 1)
	assert.Equal(t, []string{availabilityKey(models.ResourceSection, section)}, invalidator.keys)
}

func TestTriggerResourceRunsInlineWithoutQueue(t *testing.T) {
	store := newMemStore()
	section := store.addResource(models.ResourceSection, "class-1", 1)
	reconciler := newTestReconciler(store, nil, nil)
	enrollments := newTestEnrollmentService(store, EnrollmentOptions{OnCancel: reconciler})
	ctx := context.Background()

	for _, student := range []string{"A", "B", "C"} {
		_, err := enrollments.Enroll(ctx, enrollReq(student, section, ""))
		require.NoError(t, err)
	}
	_, err := enrollments.CancelSection(ctx, "A", section)
	require.NoError(t, err)

	assert.Equal(t, models.StateEnrolled, store.byStudent(t, "B", section).SectionState)
	assert.Equal(t, intPtr(1), store.byStudent(t, "C", section).SectionOrder)
	assertPoolInvariants(t, store, true)
}

func TestTriggerResourceUsesQueueOnceStarted(t *testing.T) {
	store := newMemStore()
	section := seedFullSection(store, 1, nil, map[string]int{"A": 1, "B": 2})
	reconciler := NewReconciliationService(store, nil, nil, nil, zap.NewNop(), ReconciliationConfig{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reconciler.Start(ctx)
	defer reconciler.Stop()

	require.NoError(t, reconciler.TriggerResource(ctx, models.ResourceSection, section))
	require.Eventually(t, func() bool {
		a, _ := store.find("A", section)
		b, _ := store.find("B", section)
		return a.SectionState == models.StateEnrolled && b.SectionOrder != nil && *b.SectionOrder == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartRunsScheduledPasses(t *testing.T) {
	store := newMemStore()
	section := seedFullSection(store, 1, nil, map[string]int{"A": 1})
	reconciler := NewReconciliationService(store, nil, nil, nil, nil, ReconciliationConfig{Interval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	reconciler.Start(ctx)

	require.Eventually(t, func() bool {
		a, _ := store.find("A", section)
		return a.SectionState == models.StateEnrolled
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	reconciler.Stop()
}
