package httpx

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a single admission attempt.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// SlidingWindowLimiter keeps a per-key log of admission times and admits at
// most limit requests within any trailing window. It is process-local; use
// RedisSlidingWindowLimiter when several replicas serve traffic.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	visitors  map[string][]time.Time
	lastSweep time.Time
}

func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindowLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		visitors: map[string][]time.Time{},
	}
}

func (rl *SlidingWindowLimiter) Allow(_ context.Context, key string) (Decision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	hits := prune(rl.visitors[key], now.Add(-rl.window))
	if len(hits) >= rl.limit {
		rl.visitors[key] = hits
		return Decision{Allowed: false, RetryAfter: hits[0].Add(rl.window).Sub(now)}, nil
	}
	hits = append(hits, now)
	rl.visitors[key] = hits
	return Decision{Allowed: true, Remaining: rl.limit - len(hits)}, nil
}

// sweep drops idle keys at most once per window.
func (rl *SlidingWindowLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	rl.lastSweep = now
	cutoff := now.Add(-rl.window)
	for key, hits := range rl.visitors {
		if len(prune(hits, cutoff)) == 0 {
			delete(rl.visitors, key)
		}
	}
}

// prune keeps hits strictly after cutoff. hits is ordered oldest first.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
