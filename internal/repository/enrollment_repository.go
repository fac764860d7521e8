package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/matricula-api/internal/models"
)

const enrollmentColumns = `id, student_id, section_id, lab_id, section_state, lab_state, section_order, lab_order, process_type, created_at, updated_at`

// WaitlistStats describes the EN_ESPERA rows of one resource.
type WaitlistStats struct {
	Waiting  int `db:"waiting"`
	MinOrder int `db:"min_order"`
	MaxOrder int `db:"max_order"`
}

// Contiguous reports whether the waitlist orders are exactly 1..Waiting.
// Orders are unique per resource, so min and max pin the sequence.
func (s WaitlistStats) Contiguous() bool {
	if s.Waiting == 0 {
		return true
	}
	return s.MinOrder == 1 && s.MaxOrder == s.Waiting
}

// RegistrationTx is the set of statements the enrollment and reconciliation
// workflows run inside one database transaction.
type RegistrationTx interface {
	LockResource(ctx context.Context, kind models.ResourceKind, id string) (*models.Resource, error)
	CountEnrolled(ctx context.Context, kind models.ResourceKind, id string) (int, error)
	MaxWaitlistOrder(ctx context.Context, kind models.ResourceKind, id string) (int, error)
	HasOpenEnrollment(ctx context.Context, kind models.ResourceKind, studentID, resourceID string) (bool, error)
	InsertEnrollment(ctx context.Context, enrollment *models.Enrollment) error
	FindOpenEnrollment(ctx context.Context, kind models.ResourceKind, studentID, resourceID string) (*models.Enrollment, error)
	CancelEnrollment(ctx context.Context, kind models.ResourceKind, id string) (*models.Enrollment, error)
	ListWaitlistHead(ctx context.Context, kind models.ResourceKind, resourceID string, limit int) ([]string, error)
	PromoteEnrollments(ctx context.Context, kind models.ResourceKind, ids []string) (int64, error)
	WaitlistStats(ctx context.Context, kind models.ResourceKind, resourceID string) (WaitlistStats, error)
	ShiftWaitlist(ctx context.Context, kind models.ResourceKind, resourceID string, offset int) (int64, error)
	RenumberWaitlist(ctx context.Context, kind models.ResourceKind, resourceID string) (int64, error)
}

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// WithLockTimeout bounds how long statements in WithTx wait for row locks.
func (r *EnrollmentRepository) WithLockTimeout(d time.Duration) *EnrollmentRepository {
	r.lockTimeout = d
	return r
}

// WithTx runs fn inside a READ COMMITTED transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
func (r *EnrollmentRepository) WithTx(ctx context.Context, fn func(RegistrationTx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin registration transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if r.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err = fn(&registrationTx{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit registration transaction: %w", err)
	}
	return nil
}

// ListReconcileCandidates returns ACTIVE resources of kind that have a
// waitlist and either free seats or a gap in their waitlist numbering.
func (r *EnrollmentRepository) ListReconcileCandidates(ctx context.Context, kind models.ResourceKind) ([]string, error) {
	cols, err := kind.Columns()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT r.id FROM %[1]s r
JOIN LATERAL (
    SELECT COUNT(*) FILTER (WHERE e.%[3]s = $2) AS enrolled,
           COUNT(*) FILTER (WHERE e.%[3]s = $3) AS waiting,
           COALESCE(MIN(e.%[4]s) FILTER (WHERE e.%[3]s = $3), 0) AS min_order,
           COALESCE(MAX(e.%[4]s) FILTER (WHERE e.%[3]s = $3), 0) AS max_order
    FROM enrollments e WHERE e.%[2]s = r.id
) s ON TRUE
WHERE r.status = $1 AND s.waiting > 0
  AND (s.enrolled < r.capacity OR s.min_order <> 1 OR s.max_order <> s.waiting)
ORDER BY r.id`, cols.Table, cols.FK, cols.State, cols.Order)

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, models.ResourceActive, models.StateEnrolled, models.StateWaitlisted); err != nil {
		return nil, fmt.Errorf("list %s reconcile candidates: %w", cols.Table, err)
	}
	return ids, nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find enrollment: %w", err)
	}
	return &enrollment, nil
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.SectionID != "" {
		conditions = append(conditions, fmt.Sprintf("section_id = $%d", len(args)+1))
		args = append(args, filter.SectionID)
	}
	if filter.LabID != "" {
		conditions = append(conditions, fmt.Sprintf("lab_id = $%d", len(args)+1))
		args = append(args, filter.LabID)
	}
	if filter.SectionState != "" {
		conditions = append(conditions, fmt.Sprintf("section_state = $%d", len(args)+1))
		args = append(args, filter.SectionState)
	}
	if filter.ProcessType != "" {
		conditions = append(conditions, fmt.Sprintf("process_type = $%d", len(args)+1))
		args = append(args, filter.ProcessType)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":    "created_at",
		"updated_at":    "updated_at",
		"section_order": "section_order",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s FROM enrollments%s ORDER BY %s %s, id ASC LIMIT %d OFFSET %d`,
		enrollmentColumns, clause, orderBy, order, size, offset)

	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM enrollments"+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// ListWaitlist returns the waitlist of a resource in promotion order. It
// returns sql.ErrNoRows when the resource itself does not exist.
func (r *EnrollmentRepository) ListWaitlist(ctx context.Context, kind models.ResourceKind, resourceID string) ([]models.WaitlistEntry, error) {
	cols, err := kind.Columns()
	if err != nil {
		return nil, err
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", cols.Table), resourceID); err != nil {
		return nil, fmt.Errorf("find %s: %w", cols.Table, err)
	}
	if !exists {
		return nil, fmt.Errorf("find %s: %w", cols.Table, sql.ErrNoRows)
	}

	query := fmt.Sprintf(`SELECT id, student_id, %[3]s AS position, created_at FROM enrollments
WHERE %[1]s = $1 AND %[2]s = $2 ORDER BY %[3]s ASC`, cols.FK, cols.State, cols.Order)

	var entries []models.WaitlistEntry
	if err := r.db.SelectContext(ctx, &entries, query, resourceID, models.StateWaitlisted); err != nil {
		return nil, fmt.Errorf("list %s waitlist: %w", cols.Table, err)
	}
	return entries, nil
}

type registrationTx struct {
	tx *sqlx.Tx
}

func (t *registrationTx) LockResource(ctx context.Context, kind models.ResourceKind, id string) (*models.Resource, error) {
	cols, err := kind.Columns()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, class_id, code, capacity, status, created_at, updated_at FROM %s WHERE id = $1 FOR UPDATE`, cols.Table)
	var resource models.Resource
	if err := t.tx.GetContext(ctx, &resource, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock %s row: %w", cols.Table, err)
	}
	return &resource, nil
}

func (t *registrationTx) CountEnrolled(ctx context.Context, kind models.ResourceKind, id string) (int, error) {
	cols, err := kind.Columns()
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM enrollments WHERE %s = $1 AND %s = $2`, cols.FK, cols.State)
	var count int
	if err := t.tx.GetContext(ctx, &count, query, id, models.StateEnrolled); err != nil {
		return 0, fmt.Errorf("count %s enrollments: %w", cols.Table, err)
	}
	return count, nil
}

func (t *registrationTx) MaxWaitlistOrder(ctx context.Context, kind models.ResourceKind, id string) (int, error) {
	cols, err := kind.Columns()
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT COALESCE(MAX(%s), 0) FROM enrollments WHERE %s = $1 AND %s = $2`, cols.Order, cols.FK, cols.State)
	var max int
	if err := t.tx.GetContext(ctx, &max, query, id, models.StateWaitlisted); err != nil {
		return 0, fmt.Errorf("max %s waitlist order: %w", cols.Table, err)
	}
	return max, nil
}

func (t *registrationTx) HasOpenEnrollment(ctx context.Context, kind models.ResourceKind, studentID, resourceID string) (bool, error) {
	cols, err := kind.Columns()
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`SELECT 1 FROM enrollments WHERE student_id = $1 AND %s = $2 AND %s <> $3 LIMIT 1`, cols.FK, cols.State)
	var exists int
	if err := t.tx.GetContext(ctx, &exists, query, studentID, resourceID, models.StateCancelled); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check open %s enrollment: %w", cols.Table, err)
	}
	return true, nil
}

func (t *registrationTx) InsertEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = now
	}
	enrollment.UpdatedAt = now

	const query = `INSERT INTO enrollments (id, student_id, section_id, lab_id, section_state, lab_state, section_order, lab_order, process_type, created_at, updated_at)
VALUES (:id, :student_id, :section_id, :lab_id, :section_state, :lab_state, :section_order, :lab_order, :process_type, :created_at, :updated_at)`
	if _, err := t.tx.NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("insert enrollment: %w", err)
	}
	return nil
}

func (t *registrationTx) FindOpenEnrollment(ctx context.Context, kind models.ResourceKind, studentID, resourceID string) (*models.Enrollment, error) {
	cols, err := kind.Columns()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE student_id = $1 AND %s = $2 AND %s <> $3
ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, enrollmentColumns, cols.FK, cols.State)
	var enrollment models.Enrollment
	if err := t.tx.GetContext(ctx, &enrollment, query, studentID, resourceID, models.StateCancelled); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find open %s enrollment: %w", cols.Table, err)
	}
	return &enrollment, nil
}

func (t *registrationTx) CancelEnrollment(ctx context.Context, kind models.ResourceKind, id string) (*models.Enrollment, error) {
	cols, err := kind.Columns()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`UPDATE enrollments SET %s = $2, %s = NULL, updated_at = $3 WHERE id = $1 RETURNING %s`,
		cols.State, cols.Order, enrollmentColumns)
	var enrollment models.Enrollment
	if err := t.tx.GetContext(ctx, &enrollment, query, id, models.StateCancelled, time.Now().UTC()); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("cancel %s enrollment: %w", cols.Table, err)
	}
	return &enrollment, nil
}

func (t *registrationTx) ListWaitlistHead(ctx context.Context, kind models.ResourceKind, resourceID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	cols, err := kind.Columns()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id FROM enrollments WHERE %[1]s = $1 AND %[2]s = $2 ORDER BY %[3]s ASC LIMIT $3 FOR UPDATE`,
		cols.FK, cols.State, cols.Order)
	var ids []string
	if err := t.tx.SelectContext(ctx, &ids, query, resourceID, models.StateWaitlisted, limit); err != nil {
		return nil, fmt.Errorf("select %s waitlist head: %w", cols.Table, err)
	}
	return ids, nil
}

func (t *registrationTx) PromoteEnrollments(ctx context.Context, kind models.ResourceKind, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	cols, err := kind.Columns()
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE enrollments SET %[1]s = $1, %[2]s = NULL, updated_at = $2 WHERE id = ANY($3) AND %[1]s = $4`,
		cols.State, cols.Order)
	res, err := t.tx.ExecContext(ctx, query, models.StateEnrolled, time.Now().UTC(), pq.Array(ids), models.StateWaitlisted)
	if err != nil {
		return 0, fmt.Errorf("promote %s waitlist: %w", cols.Table, err)
	}
	return res.RowsAffected()
}

func (t *registrationTx) WaitlistStats(ctx context.Context, kind models.ResourceKind, resourceID string) (WaitlistStats, error) {
	cols, err := kind.Columns()
	if err != nil {
		return WaitlistStats{}, err
	}
	query := fmt.Sprintf(`SELECT COUNT(*) AS waiting, COALESCE(MIN(%[3]s), 0) AS min_order, COALESCE(MAX(%[3]s), 0) AS max_order
FROM enrollments WHERE %[1]s = $1 AND %[2]s = $2`, cols.FK, cols.State, cols.Order)
	var stats WaitlistStats
	if err := t.tx.GetContext(ctx, &stats, query, resourceID, models.StateWaitlisted); err != nil {
		return WaitlistStats{}, fmt.Errorf("read %s waitlist stats: %w", cols.Table, err)
	}
	return stats, nil
}

// ShiftWaitlist moves every waitlist order of a resource out of the 1..N range
// so RenumberWaitlist can reassign ranks without colliding on the unique index.
func (t *registrationTx) ShiftWaitlist(ctx context.Context, kind models.ResourceKind, resourceID string, offset int) (int64, error) {
	cols, err := kind.Columns()
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE enrollments SET %[3]s = %[3]s + $3 WHERE %[1]s = $1 AND %[2]s = $2`, cols.FK, cols.State, cols.Order)
	res, err := t.tx.ExecContext(ctx, query, resourceID, models.StateWaitlisted, offset)
	if err != nil {
		return 0, fmt.Errorf("shift %s waitlist: %w", cols.Table, err)
	}
	return res.RowsAffected()
}

func (t *registrationTx) RenumberWaitlist(ctx context.Context, kind models.ResourceKind, resourceID string) (int64, error) {
	cols, err := kind.Columns()
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE enrollments e SET %[3]s = ranked.position, updated_at = $3
FROM (
    SELECT id, ROW_NUMBER() OVER (ORDER BY %[3]s ASC) AS position
    FROM enrollments WHERE %[1]s = $1 AND %[2]s = $2
) ranked
WHERE e.id = ranked.id`, cols.FK, cols.State, cols.Order)
	res, err := t.tx.ExecContext(ctx, query, resourceID, models.StateWaitlisted, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("renumber %s waitlist: %w", cols.Table, err)
	}
	return res.RowsAffected()
}
