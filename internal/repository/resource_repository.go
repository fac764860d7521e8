package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/matricula-api/internal/models"
)

// SeatCounts holds the per-state enrollment counts of a resource.
type SeatCounts struct {
	Enrolled   int `db:"enrolled"`
	Waitlisted int `db:"waitlisted"`
}

// ResourceRepository reads sections and labs outside of registration transactions.
type ResourceRepository struct {
	db *sqlx.DB
}

// NewResourceRepository constructs the repository.
func NewResourceRepository(db *sqlx.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// FindByID returns a section or lab by id.
func (r *ResourceRepository) FindByID(ctx context.Context, kind models.ResourceKind, id string) (*models.Resource, error) {
	cols, err := kind.Columns()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, class_id, code, capacity, status, created_at, updated_at FROM %s WHERE id = $1`, cols.Table)
	var resource models.Resource
	if err := r.db.GetContext(ctx, &resource, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find %s: %w", cols.Table, err)
	}
	return &resource, nil
}

// CountSeats returns enrolled and waitlisted counts for a resource.
func (r *ResourceRepository) CountSeats(ctx context.Context, kind models.ResourceKind, id string) (SeatCounts, error) {
	cols, err := kind.Columns()
	if err != nil {
		return SeatCounts{}, err
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FILTER (WHERE %[2]s = $2) AS enrolled,
       COUNT(*) FILTER (WHERE %[2]s = $3) AS waitlisted
FROM enrollments WHERE %[1]s = $1`, cols.FK, cols.State)
	var counts SeatCounts
	if err := r.db.GetContext(ctx, &counts, query, id, models.StateEnrolled, models.StateWaitlisted); err != nil {
		return SeatCounts{}, fmt.Errorf("count %s seats: %w", cols.Table, err)
	}
	return counts, nil
}
