package internal

import (
	"context"
	"sync"
	"time"
)

// RateDecision is the outcome of a single admission check.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// clientWindow tracks one client's fixed window. Guarded by its own mutex so
// distinct clients never contend. dead marks a window the sweeper removed
// from the map; holders must refetch instead of counting against it.
type clientWindow struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	dead    bool
}

// RateLimiter enforces a fixed-window request quota per client ID. Windows
// reset lazily on the next request after expiry rather than on a timer.
type RateLimiter struct {
	window  time.Duration
	limit   int
	metrics *limiterMetrics

	mu      sync.Mutex
	clients map[string]*clientWindow

	now func() time.Time
}

// NewRateLimiter builds a limiter admitting `limit` requests per client per
// `window`.
func NewRateLimiter(window time.Duration, limit int, metrics *limiterMetrics) *RateLimiter {
	if metrics == nil {
		metrics = newLimiterMetrics(nil)
	}
	return &RateLimiter{
		window:  window,
		limit:   limit,
		metrics: metrics,
		clients: map[string]*clientWindow{},
		now:     time.Now,
	}
}

// CheckAndIncrement admits or rejects one request for the client. The check
// and the count update are atomic per client.
func (rl *RateLimiter) CheckAndIncrement(clientID string) RateDecision {
	cw := rl.client(clientID)
	cw.mu.Lock()
	for cw.dead {
		// The sweeper removed this window between fetch and lock; counting
		// against it would split the client across two windows.
		cw.mu.Unlock()
		cw = rl.client(clientID)
		cw.mu.Lock()
	}
	defer cw.mu.Unlock()

	now := rl.now()
	if !now.Before(cw.resetAt) {
		cw.count = 0
		cw.resetAt = now.Add(rl.window)
	}

	if cw.count >= rl.limit {
		rl.metrics.rejectedInc()
		return RateDecision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    cw.resetAt,
			RetryAfter: cw.resetAt.Sub(now),
		}
	}

	cw.count++
	rl.metrics.allowedInc()
	return RateDecision{
		Allowed:   true,
		Remaining: rl.limit - cw.count,
		ResetAt:   cw.resetAt,
	}
}

func (rl *RateLimiter) client(id string) *clientWindow {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cw, ok := rl.clients[id]
	if !ok {
		cw = &clientWindow{}
		rl.clients[id] = cw
	}
	return cw
}

// Sweep drops windows that expired before the cutoff so idle clients don't
// accumulate forever.
func (rl *RateLimiter) Sweep() {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, cw := range rl.clients {
		cw.mu.Lock()
		if now.After(cw.resetAt) {
			cw.dead = true
			delete(rl.clients, id)
		}
		cw.mu.Unlock()
	}
}

// Janitor sweeps idle client windows until the context is done.
func (rl *RateLimiter) Janitor(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}
