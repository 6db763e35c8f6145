// Package fare holds the placeholder fare estimator. It is a pure function
// of the addresses so a real pricing service can replace it without
// touching the ride path.
package fare

import "math"

// Estimator produces an estimated fare for a ride at request time.
type Estimator interface {
	Estimate(pickupAddress, destinationAddress string) float64
}

// FlatRate estimates base fare plus a per-km rate over a coarse distance
// proxy (address length stands in for routing distance).
type FlatRate struct {
	BaseFare  float64
	PerKmRate float64
}

func (f FlatRate) Estimate(pickupAddress, destinationAddress string) float64 {
	km := len(destinationAddress) / 20
	if km < 2 {
		km = 2
	}
	total := f.BaseFare + float64(km)*f.PerKmRate
	return math.Round(total*100) / 100
}
