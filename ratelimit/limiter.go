// Package ratelimit throttles fund requests per lender with fixed windows.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RetryAfter is the time left until the window resets, never negative
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Limiter counts hits per key inside a fixed window
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// InMemoryLimiter is a single-process Limiter
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry
	now    func() time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

// NewInMemory creates a limiter; a non-positive window means one minute
func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)

	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr

	return decide(curr.count, limit, curr.resetAt)
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decide(count, limit int, resetAt time.Time) Decision {
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}

// LenderKey is the limiter key for fund requests of one lender
func LenderKey(lenderID string) string {
	return "fund:lender:" + lenderID
}
