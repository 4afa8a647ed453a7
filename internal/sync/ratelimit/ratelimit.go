// Package ratelimit throttles outbound requests per upstream endpoint.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRequestsPerSecond is the per-endpoint refill rate.
const DefaultRequestsPerSecond = 5

// DefaultBurst is the per-endpoint bucket size.
const DefaultBurst = 10

// Limiter tracks a token bucket per endpoint. Endpoints the upstream API
// treats independently (one per logical table) get independent budgets.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	perSec  rate.Limit
	burst   int
}

// New builds a Limiter. Non-positive arguments fall back to the defaults.
func New(perSec float64, burst int) *Limiter {
	if perSec <= 0 {
		perSec = DefaultRequestsPerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		perSec:  rate.Limit(perSec),
		burst:   burst,
	}
}

// IsAllowed consumes a token for the endpoint. When the bucket is empty it
// returns false and the time at which a token becomes available.
func (l *Limiter) IsAllowed(endpoint string) (bool, time.Time) {
	l.mu.Lock()
	bucket, ok := l.buckets[endpoint]
	if !ok {
		bucket = rate.NewLimiter(l.perSec, l.burst)
		l.buckets[endpoint] = bucket
	}
	l.mu.Unlock()

	r := bucket.Reserve()
	if !r.OK() {
		return false, time.Now().Add(time.Second)
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, time.Now().Add(delay)
	}
	return true, time.Time{}
}
