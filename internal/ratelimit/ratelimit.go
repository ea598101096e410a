// Package ratelimit implements fixed-window request limiting for the
// forecast entry point, per client identity.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Window is the fixed limiting window.
const Window = 60 * time.Second

// Limiter answers whether a client may make another request in the current
// window. RetryAfter is meaningful only when allowed is false.
type Limiter interface {
	Allow(ctx context.Context, clientID string) (allowed bool, retryAfter time.Duration, err error)
}

type counter struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps per-client counters in process. Counters are lost on
// restart, which is acceptable for a 60s window.
type MemoryLimiter struct {
	mu       sync.Mutex
	limit    int
	counters map[string]*counter
	now      func() time.Time
}

// NewMemoryLimiter creates a limiter allowing limit requests per window per
// client. The clock is injectable for tests.
func NewMemoryLimiter(limit int, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		limit:    limit,
		counters: make(map[string]*counter),
		now:      now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, clientID string) (bool, time.Duration, error) {
	l.mu.Lock()
	c, ok := l.counters[clientID]
	if !ok {
		c = &counter{}
		l.counters[clientID] = c
	}
	l.mu.Unlock()

	now := l.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !now.Before(c.resetAt) {
		c.count = 0
		c.resetAt = now.Add(Window)
	}
	if c.count >= l.limit {
		return false, c.resetAt.Sub(now), nil
	}
	c.count++
	return true, 0, nil
}

// RedisLimiter shares the window counters across processes via INCR+EXPIRE.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	prefix string
}

// NewRedisLimiter creates a Redis-backed fixed-window limiter.
func NewRedisLimiter(client *redis.Client, limit int) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, prefix: "ratelimit:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, clientID string) (bool, time.Duration, error) {
	key := l.prefix + clientID

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, Window).Err(); err != nil {
			return false, 0, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	if count > int64(l.limit) {
		ttl, err := l.client.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = Window
		}
		return false, ttl, nil
	}
	return true, 0, nil
}
