package collab

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window event limiter.
// Timestamps are recorded in arrival order, so pruning only ever
// trims from the front.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, substituting the package
// defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{limit: limit, window: window}
}

// Allow reports whether an event arriving at "now" is within budget,
// recording it when it is.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	expired := 0
	for expired < len(r.stamps) && !r.stamps[expired].After(cut) {
		expired++
	}
	if expired > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[expired:]...)
	}

	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}
