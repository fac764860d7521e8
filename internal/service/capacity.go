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
)

// AvailableSeats returns capacity minus enrolled. The result is negative when a
// pool is over capacity, which only happens if capacity was lowered after
// students were enrolled.
func AvailableSeats(capacity, enrolled int) int {
	return capacity - enrolled
}

type resourceReader interface {
	FindByID(ctx context.Context, kind models.ResourceKind, id string) (*models.Resource, error)
	CountSeats(ctx context.Context, kind models.ResourceKind, id string) (repository.SeatCounts, error)
}

// CapacityService answers availability reads for sections and labs.
type CapacityService struct {
	resources resourceReader
	cache     *CacheService
	ttl       time.Duration
	logger    *zap.Logger
}

// NewCapacityService constructs CapacityService. cache may be nil.
func NewCapacityService(resources resourceReader, cache *CacheService, ttl time.Duration, logger *zap.Logger) *CapacityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CapacityService{resources: resources, cache: cache, ttl: ttl, logger: logger}
}

// Availability reports capacity, enrolled, waitlisted and available seats.
func (s *CapacityService) Availability(ctx context.Context, kind models.ResourceKind, id string) (*models.Availability, error) {
	if !kind.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown resource kind")
	}
	if !isUUID(id) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, resourceLabel(kind)+" not found")
	}

	key := availabilityKey(kind, id)
	var cached models.Availability
	if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
		return &cached, nil
	}

	resource, err := s.resources.FindByID(ctx, kind, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, resourceLabel(kind)+" not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load "+resourceLabel(kind))
	}

	counts, err := s.resources.CountSeats(ctx, kind, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count seats")
	}

	available := AvailableSeats(resource.Capacity, counts.Enrolled)
	if available < 0 || resource.Status != models.ResourceActive {
		available = 0
	}
	availability := &models.Availability{
		Kind:       kind,
		ResourceID: resource.ID,
		Status:     resource.Status,
		Capacity:   resource.Capacity,
		Enrolled:   counts.Enrolled,
		Waitlisted: counts.Waitlisted,
		Available:  available,
	}

	_ = s.cache.Set(ctx, key, availability, s.ttl)
	return availability, nil
}

// Invalidate drops cached availability for the given resources.
func (s *CapacityService) Invalidate(ctx context.Context, kind models.ResourceKind, ids ...string) {
	if len(ids) == 0 {
		return
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, availabilityKey(kind, id))
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		s.logger.Warn("availability cache invalidation failed", zap.String("kind", string(kind)), zap.Strings("ids", ids), zap.Error(err))
	}
}

// isUUID reports whether id is a canonical uuid. Ids that fail this check
// cannot match a row, so callers answer not found without a query.
func isUUID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func availabilityKey(kind models.ResourceKind, id string) string {
	return fmt.Sprintf("availability:%s:%s", kind, id)
}

func resourceLabel(kind models.ResourceKind) string {
	if kind == models.ResourceLab {
		return "lab"
	}
	return "section"
}
