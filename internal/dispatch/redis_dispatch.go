package dispatch

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes envelopes on Redis pub/sub channels, one channel
// per topic.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(addr, password string) *RedisPublisher {
	return &RedisPublisher{client: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

func NewRedisPublisherFromClient(c *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: c}
}

func (r *RedisPublisher) Publish(ctx context.Context, topic string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, topic, b).Err()
}

func (r *RedisPublisher) Close() error { return r.client.Close() }
