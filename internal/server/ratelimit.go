package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client key
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	clients map[string]*clientLimiter
	mu      sync.Mutex
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second per
// client with the given burst
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow reports whether a request from key may proceed now
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	c, ok := r.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = c
	}
	c.lastSeen = time.Now()
	r.mu.Unlock()

	return c.limiter.Allow()
}

// Cleanup drops clients idle for longer than maxIdle
func (r *RateLimiter) Cleanup(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for key, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			delete(r.clients, key)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked clients
func (r *RateLimiter) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Run cleans up idle clients every interval until ctx is done
func (r *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cleanup(time.Hour)
		}
	}
}
