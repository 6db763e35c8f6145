// Package matcher pairs requested rides with available drivers and drives
// the offer/decline/timeout protocol. It owns every availability flip in
// the registry: a driver is reserved before the ride is marked matched, and
// released on decline, cancellation before acceptance, or completion.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

// Config tunes one engine instance.
type Config struct {
	// MaxDriversToNotify bounds the candidate pool for one matching cycle.
	MaxDriversToNotify int
	// ResponseTimeout is how long an offered driver has to answer. The
	// engine keeps no timer itself; callers schedule the timeout and feed
	// it back through HandleDriverResponse(accepted=false).
	ResponseTimeout time.Duration
	// FallbackLocation is used when the pickup address cannot be parsed.
	FallbackLocation models.LocationKey
}

// attempt is the ephemeral state of one matching cycle for one ride. It is
// never persisted and is discarded when the cycle resolves.
type attempt struct {
	offeredDriver string
	offeredAt     time.Time
	deadline      time.Time
	excluded      map[string]struct{}
}

type Engine struct {
	registry registry.Registry
	rides    *lifecycle.Service
	notifier *dispatch.Notifier
	logger   *slog.Logger
	cfg      Config

	mu       sync.Mutex
	attempts map[string]*attempt
}

func NewEngine(reg registry.Registry, rides *lifecycle.Service, notifier *dispatch.Notifier, logger *slog.Logger, cfg Config) *Engine {
	if cfg.MaxDriversToNotify <= 0 {
		cfg.MaxDriversToNotify = 3
	}
	return &Engine{
		registry: reg,
		rides:    rides,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		attempts: make(map[string]*attempt),
	}
}

// AttemptMatch tries to offer rideID to one driver. It returns true when a
// driver was reserved and offered, false when the ride is no longer
// eligible or no driver could be reserved. A false return with nil error is
// a normal outcome, not a failure.
func (e *Engine) AttemptMatch(ctx context.Context, rideID string) (bool, error) {
	start := time.Now()
	matched, err := e.attemptMatch(ctx, rideID)
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	return matched, err
}

func (e *Engine) attemptMatch(ctx context.Context, rideID string) (bool, error) {
	ride, err := e.rides.Get(ctx, rideID)
	if err != nil {
		return false, err
	}
	if ride.Status != models.StatusRequested {
		// another actor already progressed it; nothing to do
		e.discardAttempt(rideID)
		return false, nil
	}

	e.mu.Lock()
	a := e.attemptLocked(rideID)
	excluded := make(map[string]struct{}, len(a.excluded))
	for d := range a.excluded {
		excluded[d] = struct{}{}
	}
	e.mu.Unlock()

	loc := ParseLocation(ride.PickupAddress, e.cfg.FallbackLocation)
	// excluded drivers are available again and would crowd out fresh
	// candidates in a bounded lookup, so widen the limit by their count
	limit := e.cfg.MaxDriversToNotify + len(excluded)
	candidates, err := e.registry.LookupArea(ctx, loc.City, loc.Area, limit)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 && loc.Area != e.cfg.FallbackLocation.Area {
		e.logger.Info("widening search to city", "ride_id", rideID, "city", loc.City, "area", loc.Area)
		candidates, err = e.registry.LookupCity(ctx, loc.City, limit)
		if err != nil {
			return false, err
		}
	}

	eligible := candidates[:0]
	for _, c := range candidates {
		if _, skip := excluded[c]; !skip {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) > e.cfg.MaxDriversToNotify {
		eligible = eligible[:e.cfg.MaxDriversToNotify]
	}

	for _, candidate := range eligible {
		// Reserve before transitioning so two rides can never both hold
		// the same driver; a lost reservation just moves to the next
		// candidate.
		if err := e.registry.SetAvailable(ctx, candidate, false); err != nil {
			if errors.Is(err, registry.ErrDriverNotFound) {
				continue
			}
			return false, err
		}

		matched, err := e.rides.Transition(ctx, rideID, models.StatusMatched, candidate)
		if err != nil {
			// Whatever happened, the reservation must not leak.
			if relErr := e.registry.SetAvailable(ctx, candidate, true); relErr != nil && !errors.Is(relErr, registry.ErrDriverNotFound) {
				e.logger.Error("failed to release driver after lost match", "driver_id", candidate, "error", relErr)
			}
			if errors.Is(err, lifecycle.ErrInvalidTransition) {
				// the ride was cancelled or matched concurrently; the
				// other actor's outcome stands
				e.discardAttempt(rideID)
				return false, nil
			}
			return false, err
		}

		now := time.Now()
		e.mu.Lock()
		a.offeredDriver = candidate
		a.offeredAt = now
		a.deadline = now.Add(e.cfg.ResponseTimeout)
		e.mu.Unlock()

		observability.MatchesTotal.Inc()
		observability.OffersTotal.Inc()
		e.notifier.RideMatched(ctx, matched, int(e.cfg.ResponseTimeout.Seconds()))
		e.logger.Info("ride offered", "ride_id", rideID, "driver_id", candidate)
		return true, nil
	}

	observability.NoDriversTotal.Inc()
	e.notifier.NoDriversFound(ctx, ride)
	e.discardAttempt(rideID)
	e.logger.Info("no eligible drivers", "ride_id", rideID, "city", loc.City, "area", loc.Area)
	return false, nil
}

// HandleDriverResponse resolves an offer. accepted=false covers both an
// explicit decline and a caller-detected response timeout. On decline the
// ride is reopened, the decliner released, and matching re-run with them
// excluded for the rest of this cycle. A decline only takes effect if the
// driver still holds the ride and the reopen CAS wins; duplicates and
// declines racing an accept leave the driver reserved.
func (e *Engine) HandleDriverResponse(ctx context.Context, rideID, driverID string, accepted bool) (bool, error) {
	e.mu.Lock()
	a, ok := e.attempts[rideID]
	if ok && a.offeredDriver != driverID {
		// stale response (late timeout firing after a re-offer, or a
		// decline from a previous candidate); the current offer stands
		e.mu.Unlock()
		return false, nil
	}
	e.mu.Unlock()

	if accepted {
		ride, err := e.rides.Get(ctx, rideID)
		if err != nil {
			return false, err
		}
		if ride.DriverID != driverID {
			return false, nil
		}
		updated, err := e.rides.Transition(ctx, rideID, models.StatusAccepted, "")
		if err != nil {
			if errors.Is(err, lifecycle.ErrInvalidTransition) {
				return false, nil
			}
			return false, err
		}
		e.discardAttempt(rideID)
		e.notifier.RideAccepted(ctx, updated)
		e.logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
		return true, nil
	}

	ride, err := e.rides.Get(ctx, rideID)
	if err != nil {
		return false, err
	}
	if ride.DriverID != driverID {
		// duplicate or spurious decline; this driver does not hold the ride
		return false, nil
	}
	// The reopen CAS must succeed before the driver is released: a decline
	// racing an accept or cancel loses here and the driver stays bound.
	if _, err := e.rides.Reopen(ctx, rideID); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			e.discardAttempt(rideID)
			return false, nil
		}
		return false, err
	}
	observability.DeclinesTotal.Inc()
	e.logger.Info("ride declined", "ride_id", rideID, "driver_id", driverID)
	if err := e.registry.SetAvailable(ctx, driverID, true); err != nil && !errors.Is(err, registry.ErrDriverNotFound) {
		return false, err
	}

	e.mu.Lock()
	a = e.attemptLocked(rideID)
	a.excluded[driverID] = struct{}{}
	a.offeredDriver = ""
	e.mu.Unlock()

	return e.attemptMatch(ctx, rideID)
}

// CurrentOffer reports the driver currently offered rideID, if any. Callers
// use it to schedule and validate response timeouts.
func (e *Engine) CurrentOffer(rideID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.attempts[rideID]
	if !ok || a.offeredDriver == "" {
		return "", false
	}
	return a.offeredDriver, true
}

// CancelRide transitions the ride to CANCELLED and, if a driver was
// holding it, releases them back to the registry.
func (e *Engine) CancelRide(ctx context.Context, rideID, reason string) (models.Ride, error) {
	ride, err := e.rides.Transition(ctx, rideID, models.StatusCancelled, "")
	if err != nil {
		return models.Ride{}, err
	}
	e.discardAttempt(rideID)
	if ride.DriverID != "" {
		if relErr := e.registry.SetAvailable(ctx, ride.DriverID, true); relErr != nil && !errors.Is(relErr, registry.ErrDriverNotFound) {
			e.logger.Error("failed to release driver on cancel", "driver_id", ride.DriverID, "error", relErr)
		}
	}
	e.notifier.RideCancelled(ctx, ride, reason)
	return ride, nil
}

// ProgressRide applies a driver-reported forward transition (pickup, in
// progress, completed). Completion releases the driver and triggers the
// completion notifications.
func (e *Engine) ProgressRide(ctx context.Context, rideID string, target models.RideStatus) (models.Ride, error) {
	ride, err := e.rides.Transition(ctx, rideID, target, "")
	if err != nil {
		return models.Ride{}, err
	}
	if target == models.StatusCompleted {
		if ride.DriverID != "" {
			if relErr := e.registry.SetAvailable(ctx, ride.DriverID, true); relErr != nil && !errors.Is(relErr, registry.ErrDriverNotFound) {
				e.logger.Error("failed to release driver on completion", "driver_id", ride.DriverID, "error", relErr)
			}
		}
		e.notifier.RideCompleted(ctx, ride)
	}
	return ride, nil
}

func (e *Engine) attemptLocked(rideID string) *attempt {
	a, ok := e.attempts[rideID]
	if !ok {
		a = &attempt{excluded: make(map[string]struct{})}
		e.attempts[rideID] = a
	}
	return a
}

func (e *Engine) discardAttempt(rideID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.attempts, rideID)
}
