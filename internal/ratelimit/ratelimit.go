// Package ratelimit implements a blocking token-bucket rate limiter for
// outbound calls. One Bucket guards one downstream rate domain (the backend
// messaging API and Discord replies each get their own); Acquire delays the
// caller until a token is available rather than rejecting.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Bucket is a continuously-refilling token bucket. The refill rate equals
// the capacity, i.e. a Bucket created with NewBucket(5) allows bursts of 5
// and sustains 5 acquisitions per second.
type Bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	last     time.Time
}

// NewBucket creates a full bucket with the given per-second rate.
// Rates <= 0 are clamped to 1.
func NewBucket(perSecond float64) *Bucket {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Bucket{
		tokens:   perSecond,
		capacity: perSecond,
		last:     time.Now(),
	}
}

// Acquire blocks until one token is available, then consumes it. Tokens are
// topped up proportionally to elapsed wall-clock time since the last refill,
// capped at capacity. When fewer than one token is available the caller
// sleeps for the minimal time needed to reach exactly one token and then
// re-evaluates; the loop tolerates spurious wake variance. Waiters are
// released in FIFO-ish order by the runtime; no stronger fairness is
// guaranteed. Returns ctx.Err() if the context is canceled while waiting.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refillLocked(time.Now())
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.capacity * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// SetRate changes the per-second rate in place. Current tokens are clamped
// to the new capacity; waiters pick up the new rate on their next loop.
// Rates <= 0 are clamped to 1.
func (b *Bucket) SetRate(perSecond float64) {
	if perSecond <= 0 {
		perSecond = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	b.capacity = perSecond
	b.tokens = math.Min(b.tokens, b.capacity)
}

// TryAcquire consumes a token if one is immediately available.
func (b *Bucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Available returns the current token count without consuming any.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

// refillLocked tops the bucket up for the time elapsed since the last refill.
// Caller must hold b.mu.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.capacity)
	}
	b.last = now
}
