// Package ratelimit provides fixed-window request limiting backed by Redis or
// process memory.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter admits at most limit calls per key per window. Callers treat an
// error as a denial.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (Decision, error)
}

func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

func decide(count int64, limit int, reset time.Time) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: count <= int64(limit), Remaining: remaining, ResetAt: reset}
}

type bucket struct {
	start time.Time
	count int64
}

// InMemory is a single-process Limiter.
type InMemory struct {
	Window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewInMemory(window time.Duration) *InMemory {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemory{Window: window, buckets: map[string]*bucket{}, now: time.Now}
}

func (m *InMemory) Allow(_ context.Context, key string, limit int) (Decision, error) {
	now := m.now()
	start := windowStart(now, m.Window)

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok || !b.start.Equal(start) {
		b = &bucket{start: start}
		m.buckets[key] = b
		m.sweepLocked(start)
	}
	b.count++
	return decide(b.count, limit, start.Add(m.Window)), nil
}

func (m *InMemory) sweepLocked(current time.Time) {
	for k, b := range m.buckets {
		if b.start.Before(current) {
			delete(m.buckets, k)
		}
	}
}

// RedisLimiter shares counters across replicas through Redis.
type RedisLimiter struct {
	Window time.Duration

	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{Window: window, client: client, prefix: "guard:rl:", now: time.Now}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	start := windowStart(r.now(), r.Window)
	rkey := fmt.Sprintf("%s%s:%d", r.prefix, key, start.Unix())

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, rkey)
		p.Expire(ctx, rkey, r.Window+time.Second)
		return nil
	})
	if err != nil {
		return Decision{ResetAt: start.Add(r.Window)}, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return decide(incr.Val(), limit, start.Add(r.Window)), nil
}
