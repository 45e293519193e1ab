// Package kv provides the transient key-value capability shared by the rate
// limiter and the OTP lifecycle manager: per-key TTLs plus an atomic
// increment. State lives in Redis, never in process-local maps, so counters
// stay correct across multiple server processes.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnavailable wraps transport failures talking to the backing store.
	ErrUnavailable = errors.New("kv: store unavailable")
)

// TransientStore is the storage contract for short-lived counters and
// markers. Increment must be atomic across processes, not merely within one.
type TransientStore interface {
	// IncrWithTTL atomically increments key and, when this is the first
	// increment in the window (post-increment value 1), sets the key's TTL.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// GetTTL returns the remaining lifetime of key. Keys without an expiry
	// report zero; missing keys report ErrNotFound.
	GetTTL(ctx context.Context, key string) (time.Duration, error)
	Delete(ctx context.Context, keys ...string) error
}

// RedisStore implements TransientStore on a Redis client.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps the given client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// IncrWithTTL increments key and sets its expiry on the first hit of the
// window. The INCR and the EXPIRE are two commands: if the process dies
// between them the key never expires. That narrow window is an accepted
// trade against running every counter through a transaction.
func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return count, nil
}

// Get returns the value at key, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return val, nil
}

// SetWithTTL stores value at key with the given expiry, replacing any
// existing value and TTL.
func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GetTTL returns the remaining lifetime of key.
func (s *RedisStore) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// go-redis reports the Redis sentinels as-is: -2 missing, -1 no expiry.
	if d == -2 {
		return 0, ErrNotFound
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Delete removes the given keys. Missing keys are not an error.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
