package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces fingerprint keys in a shared Redis.
const DefaultRedisPrefix = "crawld:fp:"

// RedisIndex persists content fingerprints in Redis so duplicate payloads
// are recognized across jobs and process restarts.
type RedisIndex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIndex wraps an existing client. A zero ttl keeps fingerprints
// until evicted; prefix defaults to DefaultRedisPrefix when empty.
func NewRedisIndex(client *redis.Client, prefix string, ttl time.Duration) *RedisIndex {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisIndex{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Lookup returns the canonical URL recorded for the fingerprint.
func (i *RedisIndex) Lookup(ctx context.Context, fingerprint string) (string, bool, error) {
	val, err := i.client.Get(ctx, i.prefix+fingerprint).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup fingerprint: %w", err)
	}
	return val, true, nil
}

// Store records the fingerprint. SetNX keeps the first URL as canonical when
// several jobs race on the same payload.
func (i *RedisIndex) Store(ctx context.Context, fingerprint, url string) error {
	if err := i.client.SetNX(ctx, i.prefix+fingerprint, url, i.ttl).Err(); err != nil {
		return fmt.Errorf("store fingerprint: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (i *RedisIndex) Close() error {
	return i.client.Close()
}
