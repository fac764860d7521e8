package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/matricula-api/internal/models"
	"github.com/noah-isme/matricula-api/internal/repository"
)

// memStore mimics the registration tables. Every transaction holds the store
// mutex for its whole duration, which gives the same serialization per
// resource as the row locks do in PostgreSQL. Writes land on a copy that is
// swapped in on commit, so a failing transaction leaves no trace.
type memStore struct {
	mu          sync.Mutex
	resources   map[models.ResourceKind]map[string]*models.Resource
	enrollments map[string]*models.Enrollment
	seq         int
	commits     int
	txs         int

	// lockErrs queues errors returned by LockResource, keyed by kind:id.
	lockErrs map[string][]error
	// insertErrs queues errors returned by InsertEnrollment.
	insertErrs []error
}

func newMemStore() *memStore {
	return &memStore{
		resources: map[models.ResourceKind]map[string]*models.Resource{
			models.ResourceSection: {},
			models.ResourceLab:     {},
		},
		enrollments: map[string]*models.Enrollment{},
		lockErrs:    map[string][]error{},
	}
}

func (m *memStore) addResource(kind models.ResourceKind, classID string, capacity int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.resources[kind][id] = &models.Resource{ID: id, ClassID: classID, Code: string(kind), Capacity: capacity, Status: models.ResourceActive}
	return id
}

func (m *memStore) setStatus(kind models.ResourceKind, id string, status models.ResourceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[kind][id].Status = status
}

func (m *memStore) setCapacity(kind models.ResourceKind, id string, capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[kind][id].Capacity = capacity
}

func (m *memStore) failLock(kind models.ResourceKind, id string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(kind) + ":" + id
	m.lockErrs[key] = append(m.lockErrs[key], errs...)
}

func (m *memStore) failInsert(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertErrs = append(m.insertErrs, errs...)
}

// seed inserts an enrollment directly, bypassing the decision logic.
func (m *memStore) seed(studentID, sectionID string, state models.EnrollmentState, order *int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := uuid.NewString()
	m.enrollments[id] = &models.Enrollment{
		ID: id, StudentID: studentID, SectionID: sectionID, SectionState: state, SectionOrder: order,
		ProcessType: models.ProcessRegular, CreatedAt: time.Unix(int64(m.seq), 0),
	}
	return id
}

func (m *memStore) snapshot() map[string]models.Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.Enrollment, len(m.enrollments))
	for id, e := range m.enrollments {
		out[id] = copyEnrollment(e)
	}
	return out
}

func (m *memStore) find(studentID, sectionID string) (models.Enrollment, bool) {
	for _, e := range m.snapshot() {
		if e.StudentID == studentID && e.SectionID == sectionID {
			return e, true
		}
	}
	return models.Enrollment{}, false
}

func (m *memStore) byStudent(t *testing.T, studentID, sectionID string) models.Enrollment {
	t.Helper()
	var found []models.Enrollment
	for _, e := range m.snapshot() {
		if e.StudentID == studentID && e.SectionID == sectionID {
			found = append(found, e)
		}
	}
	require.Len(t, found, 1, "enrollments for %s in %s", studentID, sectionID)
	return found[0]
}

func (m *memStore) WithTx(ctx context.Context, fn func(repository.RegistrationTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs++
	working := make(map[string]*models.Enrollment, len(m.enrollments))
	for id, e := range m.enrollments {
		c := copyEnrollment(e)
		working[id] = &c
	}
	tx := &memTx{store: m, enrollments: working}
	if err := fn(tx); err != nil {
		return err
	}
	m.enrollments = working
	m.commits++
	return nil
}

func (m *memStore) FindByID(_ context.Context, id string) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	c := copyEnrollment(e)
	return &c, nil
}

func (m *memStore) List(_ context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Enrollment
	for _, e := range m.enrollments {
		if filter.StudentID != "" && e.StudentID != filter.StudentID {
			continue
		}
		if filter.SectionID != "" && e.SectionID != filter.SectionID {
			continue
		}
		out = append(out, copyEnrollment(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, len(out), nil
}

func (m *memStore) ListWaitlist(_ context.Context, kind models.ResourceKind, resourceID string) ([]models.WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[kind][resourceID]; !ok {
		return nil, fmt.Errorf("list waitlist: %w", sql.ErrNoRows)
	}
	var out []models.WaitlistEntry
	for _, e := range m.enrollments {
		rid, state, order := poolOf(e, kind)
		if rid == resourceID && state == models.StateWaitlisted {
			out = append(out, models.WaitlistEntry{EnrollmentID: e.ID, StudentID: e.StudentID, Order: *order, CreatedAt: e.CreatedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *memStore) ListReconcileCandidates(_ context.Context, kind models.ResourceKind) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{store: m, enrollments: m.enrollments}
	var ids []string
	for id, r := range m.resources[kind] {
		if r.Status != models.ResourceActive {
			continue
		}
		enrolled, _ := tx.CountEnrolled(context.Background(), kind, id)
		stats, _ := tx.WaitlistStats(context.Background(), kind, id)
		if stats.Waiting > 0 && (enrolled < r.Capacity || !stats.Contiguous()) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type memTx struct {
	store       *memStore
	enrollments map[string]*models.Enrollment
}

func poolOf(e *models.Enrollment, kind models.ResourceKind) (string, models.EnrollmentState, *int) {
	if kind == models.ResourceSection {
		return e.SectionID, e.SectionState, e.SectionOrder
	}
	if e.LabID == nil {
		return "", "", nil
	}
	return *e.LabID, *e.LabState, e.LabOrder
}

func setPool(e *models.Enrollment, kind models.ResourceKind, state models.EnrollmentState, order *int) {
	if kind == models.ResourceSection {
		e.SectionState, e.SectionOrder = state, order
		return
	}
	e.LabState, e.LabOrder = &state, order
}

func (t *memTx) LockResource(_ context.Context, kind models.ResourceKind, id string) (*models.Resource, error) {
	key := string(kind) + ":" + id
	if errs := t.store.lockErrs[key]; len(errs) > 0 {
		t.store.lockErrs[key] = errs[1:]
		return nil, fmt.Errorf("lock row: %w", errs[0])
	}
	r, ok := t.store.resources[kind][id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	c := *r
	return &c, nil
}

func (t *memTx) CountEnrolled(_ context.Context, kind models.ResourceKind, id string) (int, error) {
	n := 0
	for _, e := range t.enrollments {
		if rid, state, _ := poolOf(e, kind); rid == id && state == models.StateEnrolled {
			n++
		}
	}
	return n, nil
}

func (t *memTx) MaxWaitlistOrder(ctx context.Context, kind models.ResourceKind, id string) (int, error) {
	stats, err := t.WaitlistStats(ctx, kind, id)
	return stats.MaxOrder, err
}

func (t *memTx) HasOpenEnrollment(_ context.Context, kind models.ResourceKind, studentID, resourceID string) (bool, error) {
	for _, e := range t.enrollments {
		if rid, state, _ := poolOf(e, kind); e.StudentID == studentID && rid == resourceID && state != models.StateCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertEnrollment(_ context.Context, enrollment *models.Enrollment) error {
	if len(t.store.insertErrs) > 0 {
		err := t.store.insertErrs[0]
		t.store.insertErrs = t.store.insertErrs[1:]
		return fmt.Errorf("insert enrollment: %w", err)
	}
	for _, kind := range models.ResourceKinds {
		rid, state, order := poolOf(enrollment, kind)
		if rid == "" {
			continue
		}
		cols, _ := kind.Columns()
		for _, e := range t.enrollments {
			otherID, otherState, otherOrder := poolOf(e, kind)
			if otherID != rid {
				continue
			}
			if e.StudentID == enrollment.StudentID && otherState != models.StateCancelled {
				return &pq.Error{Code: "23505", Constraint: cols.OpenIndex}
			}
			if state == models.StateWaitlisted && otherState == models.StateWaitlisted && *order == *otherOrder {
				return &pq.Error{Code: "23505", Constraint: cols.OrderIndex}
			}
		}
	}
	t.store.seq++
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	enrollment.CreatedAt = time.Unix(int64(t.store.seq), 0)
	c := copyEnrollment(enrollment)
	t.enrollments[enrollment.ID] = &c
	return nil
}

func (t *memTx) FindOpenEnrollment(_ context.Context, kind models.ResourceKind, studentID, resourceID string) (*models.Enrollment, error) {
	for _, e := range t.enrollments {
		if rid, state, _ := poolOf(e, kind); e.StudentID == studentID && rid == resourceID && state != models.StateCancelled {
			c := copyEnrollment(e)
			return &c, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (t *memTx) CancelEnrollment(_ context.Context, kind models.ResourceKind, id string) (*models.Enrollment, error) {
	e, ok := t.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	setPool(e, kind, models.StateCancelled, nil)
	c := copyEnrollment(e)
	return &c, nil
}

func (t *memTx) waitlist(kind models.ResourceKind, resourceID string) []*models.Enrollment {
	var out []*models.Enrollment
	for _, e := range t.enrollments {
		if rid, state, _ := poolOf(e, kind); rid == resourceID && state == models.StateWaitlisted {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		_, _, oi := poolOf(out[i], kind)
		_, _, oj := poolOf(out[j], kind)
		return *oi < *oj
	})
	return out
}

func (t *memTx) ListWaitlistHead(_ context.Context, kind models.ResourceKind, resourceID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	var ids []string
	for _, e := range t.waitlist(kind, resourceID) {
		if len(ids) == limit {
			break
		}
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func (t *memTx) PromoteEnrollments(_ context.Context, kind models.ResourceKind, ids []string) (int64, error) {
	var n int64
	for _, id := range ids {
		e, ok := t.enrollments[id]
		if !ok {
			continue
		}
		if _, state, _ := poolOf(e, kind); state == models.StateWaitlisted {
			setPool(e, kind, models.StateEnrolled, nil)
			n++
		}
	}
	return n, nil
}

func (t *memTx) WaitlistStats(_ context.Context, kind models.ResourceKind, resourceID string) (repository.WaitlistStats, error) {
	var stats repository.WaitlistStats
	for _, e := range t.waitlist(kind, resourceID) {
		_, _, order := poolOf(e, kind)
		if stats.Waiting == 0 || *order < stats.MinOrder {
			stats.MinOrder = *order
		}
		if *order > stats.MaxOrder {
			stats.MaxOrder = *order
		}
		stats.Waiting++
	}
	return stats, nil
}

func (t *memTx) ShiftWaitlist(_ context.Context, kind models.ResourceKind, resourceID string, offset int) (int64, error) {
	var n int64
	for _, e := range t.waitlist(kind, resourceID) {
		_, _, order := poolOf(e, kind)
		shifted := *order + offset
		setPool(e, kind, models.StateWaitlisted, &shifted)
		n++
	}
	return n, nil
}

func (t *memTx) RenumberWaitlist(_ context.Context, kind models.ResourceKind, resourceID string) (int64, error) {
	var n int64
	for i, e := range t.waitlist(kind, resourceID) {
		position := i + 1
		setPool(e, kind, models.StateWaitlisted, &position)
		n++
	}
	return n, nil
}

func copyEnrollment(e *models.Enrollment) models.Enrollment {
	c := *e
	if e.LabID != nil {
		v := *e.LabID
		c.LabID = &v
	}
	if e.LabState != nil {
		v := *e.LabState
		c.LabState = &v
	}
	if e.SectionOrder != nil {
		v := *e.SectionOrder
		c.SectionOrder = &v
	}
	if e.LabOrder != nil {
		v := *e.LabOrder
		c.LabOrder = &v
	}
	return c
}

// assertPoolInvariants checks capacity, order/state pairing and a gapless
// 1..N waitlist for every resource in the store.
func assertPoolInvariants(t *testing.T, m *memStore, gapless bool) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kind := range models.ResourceKinds {
		for id, r := range m.resources[kind] {
			enrolled := 0
			var orders []int
			for _, e := range m.enrollments {
				rid, state, order := poolOf(e, kind)
				if rid != id {
					continue
				}
				require.Equal(t, state == models.StateWaitlisted, order != nil, "order set iff waitlisted")
				if state == models.StateEnrolled {
					enrolled++
				}
				if order != nil {
					orders = append(orders, *order)
				}
			}
			require.LessOrEqual(t, enrolled, r.Capacity, "%s %s over capacity", kind, id)
			sort.Ints(orders)
			for i := 1; i < len(orders); i++ {
				require.NotEqual(t, orders[i-1], orders[i], "duplicate waitlist order")
			}
			if gapless {
				for i, o := range orders {
					require.Equal(t, i+1, o, "waitlist of %s %s has gaps", kind, id)
				}
			}
		}
	}
}

func intPtr(v int) *int { return &v }
