package app

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWebhookDeduper claims webhook deliveries with SET NX so concurrent
// duplicates skip the database round trip. The database compare-and-set
// remains the source of truth.
type RedisWebhookDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisWebhookDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisWebhookDeduper {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "groble:settlement:webhook"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &RedisWebhookDeduper{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (d *RedisWebhookDeduper) key(raw string) string {
	return d.prefix + ":" + raw
}

// Acquire returns false when another delivery already holds the key.
func (d *RedisWebhookDeduper) Acquire(ctx context.Context, key string) (bool, error) {
	if d == nil || d.client == nil {
		return true, nil
	}
	return d.client.SetNX(ctx, d.key(key), time.Now().UTC().Format(time.RFC3339Nano), d.ttl).Result()
}

// Release drops the key so the provider's retry can be processed.
func (d *RedisWebhookDeduper) Release(ctx context.Context, key string) error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Del(ctx, d.key(key)).Err()
}
