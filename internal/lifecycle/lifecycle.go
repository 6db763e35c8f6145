// Package lifecycle owns every status write a ride can receive. All state
// moves through Transition (or the recovery-only Reopen), never through
// direct field writes, so per-ride ordering comes entirely from the store's
// compare-and-set.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrInvalidTransition means the requested target is not reachable from the
// ride's current status, or a concurrent writer moved the ride first.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrDriverRequired means a MATCHED transition was attempted without a
// driver id.
var ErrDriverRequired = errors.New("matched transition requires a driver id")

// Transitions is the user-facing table of allowed moves. It is strictly
// forward-moving; the decline-recovery reset lives in Reopen, not here.
var Transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested:  {models.StatusMatched, models.StatusCancelled},
	models.StatusMatched:    {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusPickup, models.StatusCancelled},
	models.StatusPickup:     {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted, models.StatusCancelled},
	models.StatusCompleted:  {},
	models.StatusCancelled:  {},
}

func allowed(from, to models.RideStatus) bool {
	for _, t := range Transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Service applies lifecycle transitions against a RideStore.
type Service struct {
	store  storage.RideStore
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store storage.RideStore, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Transition moves rideID to target, stamping the attributes that belong to
// that target in the same atomic store operation. driverID is required for
// MATCHED and ignored otherwise. A ride already past the expected state
// fails with ErrInvalidTransition and is left unchanged.
func (s *Service) Transition(ctx context.Context, rideID string, target models.RideStatus, driverID string) (models.Ride, error) {
	ride, err := s.store.Get(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if !allowed(ride.Status, target) {
		return models.Ride{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ride.Status, target)
	}

	patch := storage.Patch{}
	now := s.now().UTC()
	switch target {
	case models.StatusMatched:
		if driverID == "" {
			return models.Ride{}, ErrDriverRequired
		}
		patch.DriverID = &driverID
	case models.StatusAccepted:
		patch.AcceptedAt = &now
	case models.StatusPickup:
		patch.PickupAt = &now
	case models.StatusInProgress:
		patch.StartedAt = &now
	case models.StatusCompleted:
		patch.CompletedAt = &now
		// Placeholder fare policy: metering is out of scope, the estimate
		// becomes the actual fare.
		fare := ride.EstimatedFare
		patch.ActualFare = &fare
	case models.StatusCancelled:
		// no stamping beyond the status itself
	}

	swapped, err := s.store.CompareAndSetStatus(ctx, rideID, ride.Status, target, patch)
	if err != nil {
		return models.Ride{}, err
	}
	if !swapped {
		return models.Ride{}, fmt.Errorf("%w: lost race from %s to %s", ErrInvalidTransition, ride.Status, target)
	}
	updated, err := s.store.Get(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	s.logger.Info("ride transition", "ride_id", rideID, "from", ride.Status, "to", target)
	return updated, nil
}

// Reopen resets a MATCHED ride back to REQUESTED after a driver declined or
// timed out. MATCHED -> REQUESTED is deliberately absent from Transitions;
// only the matching engine's recovery path may take it.
func (s *Service) Reopen(ctx context.Context, rideID string) (models.Ride, error) {
	swapped, err := s.store.CompareAndSetStatus(ctx, rideID, models.StatusMatched, models.StatusRequested,
		storage.Patch{ClearDriver: true})
	if err != nil {
		return models.Ride{}, err
	}
	if !swapped {
		return models.Ride{}, fmt.Errorf("%w: ride no longer matched", ErrInvalidTransition)
	}
	s.logger.Info("ride reopened for matching", "ride_id", rideID)
	return s.store.Get(ctx, rideID)
}

// Get returns the ride or storage.ErrRideNotFound.
func (s *Service) Get(ctx context.Context, rideID string) (models.Ride, error) {
	return s.store.Get(ctx, rideID)
}
