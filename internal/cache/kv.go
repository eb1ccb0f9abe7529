// Package cache provides the tiered read-through cache used across the
// flow-control engines.
//
// One Redis instance backs three logical tiers that differ only in key
// prefix and time-to-live:
//
//	L1  l1:  no expiry   journey and guideline definitions
//	L2  l2:  5 minutes   per-session activation decisions
//	L3  l3:  30 minutes  tool execution results
//
// The cache is an accelerator, never an authority: every read degrades to
// "absent" on backend or decode failure and every write degrades to
// "not stored". Callers fall through to Postgres or recompute.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by KV.Get when the key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// KV is the minimal key/value surface the facade and the tool rate limiter
// need. RedisKV implements it over go-redis; mock.KV is the in-memory test
// double.
type KV interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Incr atomically increments the integer at key and returns the new
	// value. A missing key counts as zero.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets the remaining ttl on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
}

// RedisKV implements KV over a go-redis client.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV connects to Redis and verifies the connection with a ping.
func NewRedisKV(ctx context.Context, addr, password string, db int) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping redis at %s: %w", addr, err)
	}
	return &RedisKV{client: client}, nil
}

// Get implements KV.
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return data, nil
}

// Set implements KV.
func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Incr implements KV.
func (r *RedisKV) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: incr %s: %w", key, err)
	}
	return n, nil
}

// Expire implements KV.
func (r *RedisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cache: expire %s: %w", key, err)
	}
	return nil
}

// Del implements KV.
func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: del: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection is still alive.
func (r *RedisKV) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}
	return nil
}

// Close releases the underlying client connections.
func (r *RedisKV) Close() error {
	return r.client.Close()
}

// Ensure RedisKV implements KV at compile time.
var _ KV = (*RedisKV)(nil)
