// Package ratelimit throttles on-demand runs per API caller with a token
// bucket. Buckets refill lazily on each Allow call.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a caller has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // 0 = unlimited.
	BurstSize         int // 0 = RequestsPerMinute.
}

// Limiter keeps one bucket per caller.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a limiter. A zero RequestsPerMinute never limits.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow consumes one token from the caller's bucket.
func (l *Limiter) Allow(caller string) error {
	if l == nil || l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(caller)
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// RetryAfter returns how long the caller waits for its next token.
func (l *Limiter) RetryAfter(caller string) time.Duration {
	if l == nil || l.rate <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(caller)
	if b.tokens >= 1 {
		return 0
	}
	secs := (1 - b.tokens) / l.rate
	return time.Duration(math.Ceil(secs)) * time.Second
}

// refill must be called with mu held.
func (l *Limiter) refill(caller string) *bucket {
	now := l.now()
	b, ok := l.buckets[caller]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[caller] = b
		return b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.lastFill).Seconds()*l.rate)
	b.lastFill = now
	return b
}
