// Package ratelimit implements a per-principal token bucket rate limiter.
// Thread-safe. No background goroutines. Tokens are refilled lazily on each
// Allow call and stale buckets are pruned opportunistically.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a principal has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Buckets idle longer than this are dropped on the next prune.
const staleAfter = 10 * time.Minute

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-principal token bucket rate limiter. Each principal gets
// an independent bucket; one caller cannot exhaust another's quota.
type Limiter struct {
	mu         sync.Mutex
	principals map[string]*bucket
	rate       float64 // tokens per second
	burst      float64 // max bucket capacity
	lastPrune  time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		principals: make(map[string]*bucket),
		rate:       float64(cfg.RequestsPerMinute) / 60.0,
		burst:      float64(burst),
		lastPrune:  time.Now(),
	}
}

// Allow checks whether the principal has tokens remaining. Consumes one
// token on success. Returns ErrRateLimited when the bucket is empty.
func (l *Limiter) Allow(principal string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.prune(now)

	b, ok := l.principals[principal]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.principals[principal] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// prune drops buckets idle past staleAfter. Caller holds the lock.
func (l *Limiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < staleAfter {
		return
	}
	for principal, b := range l.principals {
		if now.Sub(b.lastFill) >= staleAfter {
			delete(l.principals, principal)
		}
	}
	l.lastPrune = now
}
