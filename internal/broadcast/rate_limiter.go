package broadcast

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter caps how often each connection may receive a batch.
// ARCHITECTURAL DISCOVERY: Per-connection token buckets with explicit Remove
// on teardown prevent limiter state from outliving its connection.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter allowing flushesPerSecond sustained
// flushes with the given burst. A non-positive rate disables limiting.
func NewRateLimiter(flushesPerSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(flushesPerSecond)
	if flushesPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(connectionID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, exists := rl.limiters[connectionID]
	if !exists {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[connectionID] = l
	}
	return l
}

// Allow consumes a flush token for the connection if one is available.
func (rl *RateLimiter) Allow(connectionID string) bool {
	return rl.limiter(connectionID).Allow()
}

// Delay reports how long until the connection's next token, without
// consuming it.
func (rl *RateLimiter) Delay(connectionID string) time.Duration {
	l := rl.limiter(connectionID)
	now := time.Now()
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

// Remove forgets a connection's bucket.
func (rl *RateLimiter) Remove(connectionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, connectionID)
}

// Len returns the number of tracked connections.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
