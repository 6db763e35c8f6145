package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrDriverNotFound is returned when a driver has no fresh, usable entry.
// For SetAvailable(id, false) it also covers a driver someone else already
// reserved: from the caller's point of view the driver vanished.
var ErrDriverNotFound = errors.New("driver not found")

// Registry tracks which drivers are available and where, with a freshness
// TTL. Lookups return driver ids most-recently-updated first so drivers who
// just came online are offered first.
type Registry interface {
	// Upsert records the driver's location and availability and resets the
	// freshness clock. It is idempotent.
	Upsert(ctx context.Context, driverID, city, area string, available bool) error
	// SetAvailable flips only the availability flag, preserving location.
	// Reserving (available=false) succeeds only if the entry is fresh and
	// currently available; releasing (available=true) only requires a fresh
	// entry. Both report ErrDriverNotFound otherwise.
	SetAvailable(ctx context.Context, driverID string, available bool) error
	// LookupArea returns up to limit available, unexpired driver ids whose
	// (city, area) match exactly.
	LookupArea(ctx context.Context, city, area string, limit int) ([]string, error)
	// LookupCity is LookupArea without the area constraint.
	LookupCity(ctx context.Context, city string, limit int) ([]string, error)
	// Status returns the driver's current entry, or ErrDriverNotFound if
	// absent or expired.
	Status(ctx context.Context, driverID string) (models.DriverStatus, error)
}

// Index is the in-memory Registry. Expiry is evaluated lazily at read time;
// stale entries are left in place until overwritten.
type Index struct {
	mu      sync.Mutex
	ttl     time.Duration
	drivers map[string]models.DriverStatus
	now     func() time.Time
}

func NewIndex(ttl time.Duration) *Index {
	return &Index{
		ttl:     ttl,
		drivers: make(map[string]models.DriverStatus),
		now:     time.Now,
	}
}

func (g *Index) expired(e models.DriverStatus) bool {
	return g.now().Sub(e.LastUpdated) > g.ttl
}

func (g *Index) Upsert(ctx context.Context, driverID, city, area string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = models.DriverStatus{
		DriverID:    driverID,
		City:        city,
		Area:        area,
		Available:   available,
		LastUpdated: g.now(),
	}
	return nil
}

func (g *Index) SetAvailable(ctx context.Context, driverID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.drivers[driverID]
	if !ok || g.expired(e) {
		return ErrDriverNotFound
	}
	if !available && !e.Available {
		// Already reserved by a concurrent matcher; the flip is a CAS and
		// this caller lost.
		return ErrDriverNotFound
	}
	e.Available = available
	e.LastUpdated = g.now()
	g.drivers[driverID] = e
	return nil
}

func (g *Index) LookupArea(ctx context.Context, city, area string, limit int) ([]string, error) {
	return g.lookup(city, &area, limit), nil
}

func (g *Index) LookupCity(ctx context.Context, city string, limit int) ([]string, error) {
	return g.lookup(city, nil, limit), nil
}

func (g *Index) lookup(city string, area *string, limit int) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	matched := make([]models.DriverStatus, 0, len(g.drivers))
	for _, e := range g.drivers {
		if !e.Available || g.expired(e) || e.City != city {
			continue
		}
		if area != nil && e.Area != *area {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastUpdated.After(matched[j].LastUpdated)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]string, 0, len(matched))
	for _, e := range matched {
		out = append(out, e.DriverID)
	}
	return out
}

func (g *Index) Status(ctx context.Context, driverID string) (models.DriverStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.drivers[driverID]
	if !ok || g.expired(e) {
		return models.DriverStatus{}, ErrDriverNotFound
	}
	return e, nil
}
