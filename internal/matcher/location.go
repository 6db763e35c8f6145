package matcher

import (
	"strings"

	"github.com/example/ride-dispatch/internal/models"
)

// ParseLocation derives a coarse (city, area) key from a free-form address:
// the first comma-separated part is the area, the last is the city. It is a
// stand-in for geocoding; swap this function for a real geocoder and the
// engine is untouched. Addresses without at least two parts fall back to
// the configured default key.
func ParseLocation(address string, fallback models.LocationKey) models.LocationKey {
	parts := strings.Split(address, ",")
	if len(parts) < 2 {
		return fallback
	}
	area := strings.TrimSpace(parts[0])
	city := strings.TrimSpace(parts[len(parts)-1])
	if area == "" || city == "" {
		return fallback
	}
	return models.LocationKey{City: city, Area: area}
}
