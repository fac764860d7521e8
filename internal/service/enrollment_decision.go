package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/noah-isme/matricula-api/internal/models"
	"github.com/noah-isme/matricula-api/internal/repository"
	appErrors "github.com/noah-isme/matricula-api/pkg/errors"
)

// seatDecision is the outcome of one pool's enrollment decision.
type seatDecision struct {
	State models.EnrollmentState
	Order *int
}

// decideSeat enrolls when a seat is free and otherwise appends to the end of
// the waitlist. It never promotes anyone.
func decideSeat(capacity, enrolled, maxOrder int) seatDecision {
	if AvailableSeats(capacity, enrolled) > 0 {
		return seatDecision{State: models.StateEnrolled}
	}
	order := maxOrder + 1
	return seatDecision{State: models.StateWaitlisted, Order: &order}
}

// decidePool locks one pool and decides the student's seat in it. The lock is
// held until the surrounding transaction ends, so the count and the insert
// that follows see the same pool state.
func decidePool(ctx context.Context, tx repository.RegistrationTx, kind models.ResourceKind, studentID, resourceID string) (*models.Resource, seatDecision, error) {
	resource, err := tx.LockResource(ctx, kind, resourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, seatDecision{}, appErrors.Clone(appErrors.ErrNotFound, resourceLabel(kind)+" not found")
		}
		return nil, seatDecision{}, err
	}
	if resource.Status != models.ResourceActive {
		return nil, seatDecision{}, appErrors.Clone(appErrors.ErrResourceNotActive, resourceLabel(kind)+" is cancelled")
	}

	open, err := tx.HasOpenEnrollment(ctx, kind, studentID, resourceID)
	if err != nil {
		return nil, seatDecision{}, err
	}
	if open {
		return nil, seatDecision{}, appErrors.Clone(appErrors.ErrDuplicateEnrollment, "student already holds an enrollment for this "+resourceLabel(kind))
	}

	enrolled, err := tx.CountEnrolled(ctx, kind, resourceID)
	if err != nil {
		return nil, seatDecision{}, err
	}
	maxOrder, err := tx.MaxWaitlistOrder(ctx, kind, resourceID)
	if err != nil {
		return nil, seatDecision{}, err
	}

	return resource, decideSeat(resource.Capacity, enrolled, maxOrder), nil
}
