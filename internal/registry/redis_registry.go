package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const statusKeyPrefix = "driver:status:"

// RedisRegistry implements Registry over Redis. Entries live under
// driver:status:<id> as JSON with a key TTL matching the freshness horizon,
// so physical eviction and logical expiry coincide. Lookups scan the key
// space; the design indexes on exact (city, area) strings only, so no
// secondary structure is kept.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRegistry(addr, password string, ttl time.Duration) *RedisRegistry {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisRegistry{client: c, ttl: ttl}
}

// NewRedisRegistryFromClient wires an existing client, used by the consumer
// which shares its connection with readiness checks.
func NewRedisRegistryFromClient(c *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: c, ttl: ttl}
}

func statusKey(driverID string) string { return statusKeyPrefix + driverID }

func (r *RedisRegistry) Upsert(ctx context.Context, driverID, city, area string, available bool) error {
	e := models.DriverStatus{
		DriverID:    driverID,
		City:        city,
		Area:        area,
		Available:   available,
		LastUpdated: time.Now().UTC(),
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, statusKey(driverID), b, r.ttl).Err()
}

// SetAvailable flips the availability flag with a WATCH-guarded transaction
// so two matchers reserving the same driver cannot both win.
func (r *RedisRegistry) SetAvailable(ctx context.Context, driverID string, available bool) error {
	key := statusKey(driverID)
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrDriverNotFound
		}
		if err != nil {
			return err
		}
		var e models.DriverStatus
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return err
		}
		if !available && !e.Available {
			return ErrDriverNotFound
		}
		e.Available = available
		e.LastUpdated = time.Now().UTC()
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, r.ttl)
			return nil
		})
		return err
	}
	for i := 0; i < 3; i++ {
		err := r.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	// The key kept changing under us; treat it like a lost reservation.
	return ErrDriverNotFound
}

func (r *RedisRegistry) LookupArea(ctx context.Context, city, area string, limit int) ([]string, error) {
	return r.lookup(ctx, city, &area, limit)
}

func (r *RedisRegistry) LookupCity(ctx context.Context, city string, limit int) ([]string, error) {
	return r.lookup(ctx, city, nil, limit)
}

func (r *RedisRegistry) lookup(ctx context.Context, city string, area *string, limit int) ([]string, error) {
	var matched []models.DriverStatus
	iter := r.client.Scan(ctx, 0, statusKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue // evicted between SCAN and GET
		}
		if err != nil {
			return nil, err
		}
		var e models.DriverStatus
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if !e.Available || e.City != city {
			continue
		}
		if area != nil && e.Area != *area {
			continue
		}
		matched = append(matched, e)
	}
	if err := iter.Err(); err != nil {
		return nil, err
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
	return out, nil
}

func (r *RedisRegistry) Status(ctx context.Context, driverID string) (models.DriverStatus, error) {
	raw, err := r.client.Get(ctx, statusKey(driverID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.DriverStatus{}, ErrDriverNotFound
	}
	if err != nil {
		return models.DriverStatus{}, err
	}
	var e models.DriverStatus
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return models.DriverStatus{}, err
	}
	return e, nil
}

func (r *RedisRegistry) Close() error { return r.client.Close() }
