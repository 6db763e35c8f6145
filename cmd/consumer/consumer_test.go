package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

// flakyRegistry fails the first n Upsert calls, then delegates to the
// in-memory index.
type flakyRegistry struct {
	*registry.Index
	failures int
	calls    int
}

func (f *flakyRegistry) Upsert(ctx context.Context, driverID, city, area string, available bool) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("registry down")
	}
	return f.Index.Upsert(ctx, driverID, city, area, available)
}

func TestUpsertWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &flakyRegistry{Index: registry.NewIndex(time.Hour), failures: 2}
	u := models.DriverUpdate{DriverID: "d1", City: "Lagos", Area: "Ikeja", Available: true}
	ctx := context.Background()
	start := time.Now()
	if err := upsertWithRetry(ctx, f, u, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if got, _ := f.LookupArea(ctx, "Lagos", "Ikeja", 10); len(got) != 1 || got[0] != "d1" {
		t.Fatalf("update not applied: %v", got)
	}
}

func TestUpsertWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &flakyRegistry{Index: registry.NewIndex(time.Hour), failures: 5}
	u := models.DriverUpdate{DriverID: "d1", City: "Lagos", Area: "Ikeja", Available: true}
	if err := upsertWithRetry(context.Background(), f, u, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}
