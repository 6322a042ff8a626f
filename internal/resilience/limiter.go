package resilience

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dshills/plugbox/internal/plugin/faults"
)

// Limiter keeps one token bucket per key.
type Limiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLimiter allows perSecond events per key with the given burst. A
// non-positive rate disables limiting.
func NewLimiter(perSecond float64, burst int) *Limiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow consumes a token for key or fails with faults.ErrRateLimited.
func (l *Limiter) Allow(key string) error {
	if l.limit == rate.Inf {
		return nil
	}
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	if !bucket.Allow() {
		return fmt.Errorf("%w: more than %v calls per second", faults.ErrRateLimited, float64(l.limit))
	}
	return nil
}

// Forget drops the bucket for key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
