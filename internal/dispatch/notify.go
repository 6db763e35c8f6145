package dispatch

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
)

// Scenario helpers bundling the event plus the directed notifications each
// lifecycle moment produces.

func (n *Notifier) RideRequested(ctx context.Context, r models.Ride) {
	n.RideEvent(ctx, "ride_requested", map[string]any{
		"ride_id":        r.ID,
		"rider_id":       r.RiderID,
		"pickup_address": r.PickupAddress,
		"estimated_fare": r.EstimatedFare,
	})
	n.UserNotification(ctx, r.RiderID, map[string]any{
		"type":    "ride_requested",
		"message": "Your ride has been requested. Finding nearby drivers...",
		"ride_id": r.ID,
	})
}

func (n *Notifier) RideMatched(ctx context.Context, r models.Ride, responseTimeoutSec int) {
	n.RideEvent(ctx, "ride_matched", map[string]any{
		"ride_id":             r.ID,
		"rider_id":            r.RiderID,
		"driver_id":           r.DriverID,
		"pickup_address":      r.PickupAddress,
		"destination_address": r.DestinationAddress,
		"estimated_fare":      r.EstimatedFare,
	})
	n.UserNotification(ctx, r.RiderID, map[string]any{
		"type":      "ride_matched",
		"message":   "Driver found! They're on their way to " + r.PickupAddress,
		"ride_id":   r.ID,
		"driver_id": r.DriverID,
	})
	n.DriverNotification(ctx, r.DriverID, map[string]any{
		"type":                "ride_request",
		"ride_id":             r.ID,
		"pickup_address":      r.PickupAddress,
		"destination_address": r.DestinationAddress,
		"estimated_fare":      r.EstimatedFare,
		"special_requests":    r.SpecialRequests,
		"timeout":             responseTimeoutSec,
	})
}

func (n *Notifier) RideAccepted(ctx context.Context, r models.Ride) {
	n.RideEvent(ctx, "ride_accepted", map[string]any{
		"ride_id":   r.ID,
		"driver_id": r.DriverID,
	})
	n.UserNotification(ctx, r.RiderID, map[string]any{
		"type":      "ride_accepted",
		"message":   "Driver accepted your ride! They're on their way.",
		"ride_id":   r.ID,
		"driver_id": r.DriverID,
	})
}

func (n *Notifier) RideCancelled(ctx context.Context, r models.Ride, reason string) {
	n.RideEvent(ctx, "ride_cancelled", map[string]any{
		"ride_id":  r.ID,
		"rider_id": r.RiderID,
		"reason":   reason,
	})
	n.UserNotification(ctx, r.RiderID, map[string]any{
		"type":    "ride_cancelled",
		"message": "Your ride has been cancelled. " + reason,
		"ride_id": r.ID,
	})
	if r.DriverID != "" {
		n.DriverNotification(ctx, r.DriverID, map[string]any{
			"type":    "ride_cancelled",
			"message": "The ride has been cancelled.",
			"ride_id": r.ID,
		})
	}
}

func (n *Notifier) RideCompleted(ctx context.Context, r models.Ride) {
	var fare float64
	if r.ActualFare != nil {
		fare = *r.ActualFare
	}
	n.RideEvent(ctx, "ride_completed", map[string]any{
		"ride_id":   r.ID,
		"rider_id":  r.RiderID,
		"driver_id": r.DriverID,
		"fare":      fare,
	})
	n.PaymentEvent(ctx, "process_payment", map[string]any{
		"ride_id":   r.ID,
		"rider_id":  r.RiderID,
		"driver_id": r.DriverID,
		"amount":    fare,
	})
	n.UserNotification(ctx, r.RiderID, map[string]any{
		"type":    "ride_completed",
		"message": "You've arrived!",
		"ride_id": r.ID,
	})
	n.DriverNotification(ctx, r.DriverID, map[string]any{
		"type":    "ride_completed",
		"message": "Ride completed.",
		"ride_id": r.ID,
	})
}

func (n *Notifier) NoDriversFound(ctx context.Context, r models.Ride) {
	n.RideEvent(ctx, "ride_no_drivers_found", map[string]any{
		"ride_id":        r.ID,
		"rider_id":       r.RiderID,
		"pickup_address": r.PickupAddress,
	})
	n.UserNotification(ctx, r.RiderID, map[string]any{
		"type":    "no_drivers_found",
		"message": "No drivers are available right now. Please try again shortly.",
		"ride_id": r.ID,
	})
}
