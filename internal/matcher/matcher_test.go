package matcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

// capturePub records everything the engine publishes.
type capturePub struct {
	mu     sync.Mutex
	events []struct {
		topic   string
		payload any
	}
}

func (c *capturePub) Publish(ctx context.Context, topic string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, struct {
		topic   string
		payload any
	}{topic, payload})
	return nil
}

func (c *capturePub) rideEventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		if e.topic != dispatch.TopicRideEvents {
			continue
		}
		if ev, ok := e.payload.(dispatch.Event); ok {
			out = append(out, ev.EventType)
		}
	}
	return out
}

func (c *capturePub) hasRideEvent(eventType string) bool {
	for _, et := range c.rideEventTypes() {
		if et == eventType {
			return true
		}
	}
	return false
}

type fixture struct {
	engine   *Engine
	registry *registry.Index
	store    *storage.MemoryStore
	rides    *lifecycle.Service
	pub      *capturePub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, storage.NewMemoryStore(), nil)
}

func newFixtureWithStore(t *testing.T, mem *storage.MemoryStore, wrap storage.RideStore) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.NewIndex(time.Hour)
	pub := &capturePub{}
	notifier := dispatch.NewNotifier(pub, logger)
	var store storage.RideStore = mem
	if wrap != nil {
		store = wrap
	}
	rides := lifecycle.NewService(store, logger)
	eng := NewEngine(reg, rides, notifier, logger, Config{
		MaxDriversToNotify: 3,
		ResponseTimeout:    30 * time.Second,
		FallbackLocation:   models.LocationKey{City: "Lagos", Area: "Downtown"},
	})
	return &fixture{engine: eng, registry: reg, store: mem, rides: rides, pub: pub}
}

func (f *fixture) seedRide(t *testing.T, id, pickup string) {
	t.Helper()
	r := models.Ride{
		ID:                 id,
		RiderID:            "rider-1",
		PickupAddress:      pickup,
		DestinationAddress: "Airport Rd, Lagos",
		EstimatedFare:      12.50,
		Status:             models.StatusRequested,
		RideType:           models.TypeStandard,
	}
	if err := f.store.Create(context.Background(), &r); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) seedDrivers(t *testing.T, city, area string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := f.registry.Upsert(context.Background(), id, city, area, true); err != nil {
			t.Fatal(err)
		}
		// keep update times strictly ordered so recency is deterministic
		time.Sleep(time.Millisecond)
	}
}

func TestAttemptMatchOffersMostRecentDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRide(t, "ride-1", "5th Ave, Lagos")
	f.seedDrivers(t, "Lagos", "5th Ave", "d1", "d2", "d3")

	matched, err := f.engine.AttemptMatch(ctx, "ride-1")
	if err != nil || !matched {
		t.Fatalf("AttemptMatch = %v, %v", matched, err)
	}

	ride, _ := f.store.Get(ctx, "ride-1")
	if ride.Status != models.StatusMatched || ride.DriverID != "d3" {
		t.Fatalf("ride = %s/%s, want matched/d3", ride.Status, ride.DriverID)
	}
	if offered, ok := f.engine.CurrentOffer("ride-1"); !ok || offered != "d3" {
		t.Fatalf("CurrentOffer = %s/%v", offered, ok)
	}

	remaining, _ := f.registry.LookupArea(ctx, "Lagos", "5th Ave", 10)
	if len(remaining) != 2 {
		t.Fatalf("others not left available: %v", remaining)
	}
	if !f.pub.hasRideEvent("ride_matched") {
		t.Fatalf("ride_matched not published, got %v", f.pub.rideEventTypes())
	}
}

func TestAttemptMatchWidensToCity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRide(t, "ride-1", "Ikeja, Lagos")
	f.seedDrivers(t, "Lagos", "Lekki", "d1")
	f.seedDrivers(t, "Lagos", "Victoria Island", "d2")

	matched, err := f.engine.AttemptMatch(ctx, "ride-1")
	if err != nil || !matched {
		t.Fatalf("AttemptMatch = %v, %v", matched, err)
	}
	ride, _ := f.store.Get(ctx, "ride-1")
	if ride.DriverID != "d1" && ride.DriverID != "d2" {
		t.Fatalf("matched unknown driver %q", ride.DriverID)
	}
}

func TestAttemptMatchNoCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRide(t, "ride-1", "Ikeja, Lagos")

	matched, err := f.engine.AttemptMatch(ctx, "ride-1")
	if err != nil || matched {
		t.Fatalf("AttemptMatch = %v, %v, want false, nil", matched, err)
	}
	ride, _ := f.store.Get(ctx, "ride-1")
	if ride.Status != models.StatusRequested {
		t.Fatalf("ride moved to %s on failed match", ride.Status)
	}
	if !f.pub.hasRideEvent("ride_no_drivers_found") {
		t.Fatalf("no-drivers event missing, got %v", f.pub.rideEventTypes())
	}
}

func TestAttemptMatchAbortsWhenRideProgressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRide(t, "ride-1", "5th Ave, Lagos")
	f.seedDrivers(t, "Lagos", "5th Ave", "d1")
	if _, err := f.rides.Transition(ctx, "ride-1", models.StatusCancelled, ""); err != nil {
		t.Fatal(err)
	}

	matched, err := f.engine.AttemptMatch(ctx, "ride-1")
	if err != nil || matched {
		t.Fatalf("AttemptMatch on cancelled ride = %v, %v", matched, err)
	}
	// the driver must not have been touched
	if avail, _ := f.registry.LookupArea(ctx, "Lagos", "5th Ave", 10); len(avail) != 1 {
		t.Fatalf("driver reserved for dead ride: %v", avail)
	}
}

func TestAttemptMatchUnknownRide(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.AttemptMatch(context.Background(), "missing")
	if !errors.Is(err, storage.ErrRideNotFound) {
		t.Fatalf("got %v, want ErrRideNotFound", err)
	}
}

func TestDeclineLoopExhaustsPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRide(t, "ride-1", "5th Ave, Lagos")
	f.seedDrivers(t, "Lagos", "5th Ave", "d1", "d2", "d3")

	matched, err := f.engine.AttemptMatch(ctx, "ride-1")
	if err != nil || !matched {
		t.Fatalf("initial match = %v, %v", matched, err)
	}

	offers := 1
	seen := map[string]bool{}
	for {
		driver, ok := f.engine.CurrentOffer("ride-1")
		if !ok {
			break
		}
		if seen[driver] {
			t.Fatalf("driver %s offered twice in one cycle", driver)
		}
		seen[driver] = true
		rematch, err := f.engine.HandleDriverResponse(ctx, "ride-1", driver, false)
		if err != nil {
			t.Fatal(err)
		}
		if rematch {
			offers++
		}
	}

	if offers != 3 {
		t.Fatalf("offer count = %d, want 3", offers)
	}
	ride, _ := f.store.Get(ctx, "ride-1")
	if ride.Status != models.StatusRequested || ride.DriverID != "" {
		t.Fatalf("ride not reopened after exhaustion: %+v", ride)
	}
	avail, _ := f.registry.LookupArea(ctx, "Lagos", "5th Ave", 10)
	if len(avail) != 3 {
		t.Fatalf("drivers not all released: %v", avail)
	}
	if !f.pub.hasRideEvent("ride_no_drivers_found") {
		t.Fatalf("exhaustion event missing, got %v", f.pub.rideEventTypes())
	}
}

func TestAcceptFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRide(t, "ride-1", "5th Ave, Lagos")
	f.seedDrivers(t, "Lagos", "5th Ave", "d1")

	if matched, _ := f.engine.AttemptMatch(ctx, "ride-1"); !matched {
		t.Fatal("no match")
	}
	ok, err := f.engine.HandleDriverResponse(ctx, "ride-1", "d1", true)
	if err != nil || !ok {
		t.Fatalf("accept = %v, %v", ok, err)
	}

	ride, _ := f.store.Get(ctx, "ride-1")
	if ride.Status != models.StatusAccepted || ride.AcceptedAt == nil {
		t.Fatalf("accept not applied: %+v", ride)
	}
	if _, ok := f.engine.CurrentOffer("ride-1"); ok {
		t.Fatal("attempt not discarded after accept")
	}
	// the driver stays reserved for the ride
	if avail, _ := f.registry.LookupArea(ctx, "Lagos", "5th Ave", 10); len(avail) != 0 {
		t.Fatalf("driver released on accept: %v", avail)
	}
	if !f.pub.hasRideEvent("ride_accepted") {
		t.Fatalf("ride_accepted missing, got %v", f.pub.rideEventTypes())
	}
}

func TestStaleResponseIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRide(t, "ride-1", "5th Ave, Lagos")
	f.seedDrivers(t, "Lagos", "5th Ave", "d1", "d2")

	if matched, _ := f.engine.AttemptMatch(ctx, "ride-1"); !matched {
		t.Fatal("no match")
	}
	offered, _ := f.engine.CurrentOffer("ride-1")

	// a response from a driver who does not hold the offer must not move
	// the ride
	other := "d1"
	if offered == "d1" {
		other = "d2"
	}
	ok, err := f.engine.HandleDriverResponse(ctx, "ride-1", other, false)
	if err != nil || ok {
		t.Fatalf("stale decline = %v, %v", ok, err)
	}
	ride, _ := f.store.Get(ctx, "ride-1")
	if ride.Status != models.StatusMatched || ride.DriverID != offered {
		t.Fatalf("stale response moved ride: %+v", ride)
	}
}

func TestDuplicateDeclineAfterAcceptKeepsDriverReserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRide(t, "ride-1", "5th Ave, Lagos")
	f.seedDrivers(t, "Lagos", "5th Ave", "d1")

	if matched, _ := f.engine.AttemptMatch(ctx, "ride-1"); !matched {
		t.Fatal("no match")
	}
	if ok, _ := f.engine.HandleDriverResponse(ctx, "ride-1", "d1", true); !ok {
		t.Fatal("accept failed")
	}

	// a late duplicate of the decline (or a timeout firing after the accept)
	// must not free the driver who is now bound to the ride
	ok, err := f.engine.HandleDriverResponse(ctx, "ride-1", "d1", false)
	if err != nil || ok {
		t.Fatalf("late decline = %v, %v", ok, err)
	}
	ride, _ := f.store.Get(ctx, "ride-1")
	if ride.Status != models.StatusAccepted || ride.DriverID != "d1" {
		t.Fatalf("late decline moved ride: %+v", ride)
	}
	if avail, _ := f.registry.LookupArea(ctx, "Lagos", "5th Ave", 10); len(avail) != 0 {
		t.Fatalf("driver released while on an accepted ride: %v", avail)
	}
}

func TestDeclineForUnofferedRideLeavesDriverReserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRide(t, "ride-1", "5th Ave, Lagos")
	f.seedRide(t, "ride-2", "5th Ave, Lagos")
	f.seedDrivers(t, "Lagos", "5th Ave", "d1")

	if matched, _ := f.engine.AttemptMatch(ctx, "ride-1"); !matched {
		t.Fatal("no match")
	}

	// d1 holds ride-1; a decline addressed to ride-2 must not release them
	ok, err := f.engine.HandleDriverResponse(ctx, "ride-2", "d1", false)
	if err != nil || ok {
		t.Fatalf("misdirected decline = %v, %v", ok, err)
	}
	if avail, _ := f.registry.LookupArea(ctx, "Lagos", "5th Ave", 10); len(avail) != 0 {
		t.Fatalf("driver released by a ride they were never offered: %v", avail)
	}
	ride, _ := f.store.Get(ctx, "ride-1")
	if ride.Status != models.StatusMatched || ride.DriverID != "d1" {
		t.Fatalf("held ride disturbed: %+v", ride)
	}
}

func TestAtMostOneOfferPerDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDrivers(t, "Lagos", "5th Ave", "d1")

	const rides = 8
	for i := 0; i < rides; i++ {
		f.seedRide(t, fmt.Sprintf("ride-%d", i), "5th Ave, Lagos")
	}

	var wg sync.WaitGroup
	results := make([]bool, rides)
	for i := 0; i < rides; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			matched, err := f.engine.AttemptMatch(ctx, fmt.Sprintf("ride-%d", i))
			if err != nil {
				t.Errorf("ride-%d: %v", i, err)
			}
			results[i] = matched
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < rides; i++ {
		ride, _ := f.store.Get(ctx, fmt.Sprintf("ride-%d", i))
		if ride.Status == models.StatusMatched {
			if ride.DriverID != "d1" {
				t.Fatalf("ride-%d matched unknown driver %q", i, ride.DriverID)
			}
			winners++
			if !results[i] {
				t.Fatalf("ride-%d matched but AttemptMatch returned false", i)
			}
		}
	}
	if winners != 1 {
		t.Fatalf("%d rides hold the same driver, want exactly 1", winners)
	}
}

// cancelRaceStore cancels the ride inside the first MATCHED CAS so the
// engine's transition loses after it already reserved the driver.
type cancelRaceStore struct {
	*storage.MemoryStore
	fired bool
}

func (s *cancelRaceStore) CompareAndSetStatus(ctx context.Context, id string, expected, next models.RideStatus, patch storage.Patch) (bool, error) {
	if next == models.StatusMatched && !s.fired {
		s.fired = true
		if _, err := s.MemoryStore.CompareAndSetStatus(ctx, id, expected, models.StatusCancelled, storage.Patch{}); err != nil {
			return false, err
		}
	}
	return s.MemoryStore.CompareAndSetStatus(ctx, id, expected, next, patch)
}

func TestLostMatchRaceReleasesDriver(t *testing.T) {
	mem := storage.NewMemoryStore()
	f := newFixtureWithStore(t, mem, &cancelRaceStore{MemoryStore: mem})
	ctx := context.Background()
	f.seedRide(t, "ride-1", "5th Ave, Lagos")
	f.seedDrivers(t, "Lagos", "5th Ave", "d1")

	matched, err := f.engine.AttemptMatch(ctx, "ride-1")
	if err != nil || matched {
		t.Fatalf("lost race should yield false, nil; got %v, %v", matched, err)
	}
	// rollback must leave the driver available for other rides
	if avail, _ := f.registry.LookupArea(ctx, "Lagos", "5th Ave", 10); len(avail) != 1 {
		t.Fatalf("driver leaked after lost race: %v", avail)
	}
	ride, _ := mem.Get(ctx, "ride-1")
	if ride.Status != models.StatusCancelled {
		t.Fatalf("cancellation overwritten: %+v", ride)
	}
}

func TestCancelReleasesDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRide(t, "ride-1", "5th Ave, Lagos")
	f.seedDrivers(t, "Lagos", "5th Ave", "d1")

	if matched, _ := f.engine.AttemptMatch(ctx, "ride-1"); !matched {
		t.Fatal("no match")
	}
	ride, err := f.engine.CancelRide(ctx, "ride-1", "rider changed plans")
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.StatusCancelled {
		t.Fatalf("status = %s", ride.Status)
	}
	if avail, _ := f.registry.LookupArea(ctx, "Lagos", "5th Ave", 10); len(avail) != 1 {
		t.Fatalf("driver not released on cancel: %v", avail)
	}
	if _, ok := f.engine.CurrentOffer("ride-1"); ok {
		t.Fatal("attempt survived cancellation")
	}
	if !f.pub.hasRideEvent("ride_cancelled") {
		t.Fatalf("ride_cancelled missing, got %v", f.pub.rideEventTypes())
	}
}

func TestCompletionReleasesDriverAndSetsFare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRide(t, "ride-1", "5th Ave, Lagos")
	f.seedDrivers(t, "Lagos", "5th Ave", "d1")

	if matched, _ := f.engine.AttemptMatch(ctx, "ride-1"); !matched {
		t.Fatal("no match")
	}
	if ok, _ := f.engine.HandleDriverResponse(ctx, "ride-1", "d1", true); !ok {
		t.Fatal("accept failed")
	}
	for _, target := range []models.RideStatus{models.StatusPickup, models.StatusInProgress} {
		if _, err := f.engine.ProgressRide(ctx, "ride-1", target); err != nil {
			t.Fatalf("%s: %v", target, err)
		}
	}
	ride, err := f.engine.ProgressRide(ctx, "ride-1", models.StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if ride.ActualFare == nil || *ride.ActualFare != 12.50 || ride.CompletedAt == nil {
		t.Fatalf("completion not stamped: %+v", ride)
	}
	if avail, _ := f.registry.LookupArea(ctx, "Lagos", "5th Ave", 10); len(avail) != 1 {
		t.Fatalf("driver not released on completion: %v", avail)
	}
	if !f.pub.hasRideEvent("ride_completed") {
		t.Fatalf("ride_completed missing, got %v", f.pub.rideEventTypes())
	}
}
