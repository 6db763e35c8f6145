package models

import "time"

// RideStatus is the lifecycle state of a ride. See lifecycle.Transitions
// for the allowed moves between states.
type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusMatched    RideStatus = "matched"
	StatusAccepted   RideStatus = "accepted"
	StatusPickup     RideStatus = "pickup"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type RideType string

const (
	TypeStandard RideType = "standard"
	TypePremium  RideType = "premium"
	TypeShared   RideType = "shared"
)

type Ride struct {
	ID       string `json:"id"`
	RiderID  string `json:"rider_id"`
	DriverID string `json:"driver_id,omitempty"`

	PickupAddress      string `json:"pickup_address"`
	DestinationAddress string `json:"destination_address"`

	EstimatedFare float64  `json:"estimated_fare"`
	ActualFare    *float64 `json:"actual_fare,omitempty"`

	Status          RideStatus `json:"status"`
	RideType        RideType   `json:"ride_type"`
	SpecialRequests string     `json:"special_requests,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	PickupAt    *time.Time `json:"pickup_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DriverStatus is one driver's availability record in the registry.
// Entries older than the registry TTL are treated as absent by readers
// even if the backing store has not evicted them yet.
type DriverStatus struct {
	DriverID    string    `json:"driver_id"`
	City        string    `json:"city"`
	Area        string    `json:"area"`
	Available   bool      `json:"is_available"`
	LastUpdated time.Time `json:"last_updated"`
}

// LocationKey is the coarse (city, area) pair used as the registry index
// key in place of real coordinates.
type LocationKey struct {
	City string `json:"city"`
	Area string `json:"area"`
}

// DriverUpdate is the message shape produced to and consumed from the
// driver-updates topic.
type DriverUpdate struct {
	DriverID  string `json:"driver_id"`
	City      string `json:"city"`
	Area      string `json:"area"`
	Available bool   `json:"is_available"`
}
