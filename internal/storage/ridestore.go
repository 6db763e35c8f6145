package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrRideNotFound is returned when a ride id does not exist.
var ErrRideNotFound = errors.New("ride not found")

// DefaultListLimit is the page size used when a caller passes a
// non-positive limit. Every RideStore implementation applies it so a zero
// limit means the same thing everywhere.
const DefaultListLimit = 20

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// Patch carries the attribute writes that ride a status change. Only the
// store may apply them, and only inside CompareAndSetStatus so the stamps
// land atomically with the transition.
type Patch struct {
	DriverID    *string
	ClearDriver bool
	AcceptedAt  *time.Time
	PickupAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ActualFare  *float64
}

// RideStore defines persistence operations for rides. Status is only ever
// written through CompareAndSetStatus; concurrent writers that disagree on
// the expected status serialize there.
type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (models.Ride, error)
	// CompareAndSetStatus applies next plus patch iff the ride's current
	// status equals expected. It reports false (no error) when the ride
	// exists but the status no longer matches.
	CompareAndSetStatus(ctx context.Context, id string, expected, next models.RideStatus, patch Patch) (bool, error)
	ListByRider(ctx context.Context, riderID string, limit, offset int) ([]models.Ride, int, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride)}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrRideNotFound
	}
	return r, nil
}

func (m *MemoryStore) CompareAndSetStatus(ctx context.Context, id string, expected, next models.RideStatus, patch Patch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrRideNotFound
	}
	if r.Status != expected {
		return false, nil
	}
	r.Status = next
	r.UpdatedAt = time.Now().UTC()
	applyPatch(&r, patch)
	m.rides[id] = r
	return true, nil
}

func applyPatch(r *models.Ride, p Patch) {
	if p.DriverID != nil {
		r.DriverID = *p.DriverID
	}
	if p.ClearDriver {
		r.DriverID = ""
	}
	if p.AcceptedAt != nil {
		r.AcceptedAt = p.AcceptedAt
	}
	if p.PickupAt != nil {
		r.PickupAt = p.PickupAt
	}
	if p.StartedAt != nil {
		r.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		r.CompletedAt = p.CompletedAt
	}
	if p.ActualFare != nil {
		r.ActualFare = p.ActualFare
	}
}

func (m *MemoryStore) ListByRider(ctx context.Context, riderID string, limit, offset int) ([]models.Ride, int, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []models.Ride
	for _, r := range m.rides {
		if r.RiderID == riderID {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}
