package matcher

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestParseLocation(t *testing.T) {
	fallback := models.LocationKey{City: "Lagos", Area: "Downtown"}
	cases := []struct {
		address string
		want    models.LocationKey
	}{
		{"5th Ave, Lagos", models.LocationKey{City: "Lagos", Area: "5th Ave"}},
		{"12 Allen Ave, Ikeja, Lagos", models.LocationKey{City: "Lagos", Area: "12 Allen Ave"}},
		{"  Lekki Phase 1 ,  Lagos ", models.LocationKey{City: "Lagos", Area: "Lekki Phase 1"}},
		{"somewhere", fallback},
		{"", fallback},
		{",", fallback},
		{" , Lagos", fallback},
	}
	for _, tc := range cases {
		got := ParseLocation(tc.address, fallback)
		if got != tc.want {
			t.Errorf("ParseLocation(%q) = %+v, want %+v", tc.address, got, tc.want)
		}
	}
}
