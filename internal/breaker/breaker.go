// Package breaker implements a tri-state circuit breaker protecting the
// backend messaging API from sustained overload. State transitions are
// computed lazily from timestamps on each query; there are no internal
// timers. State is process-local and resets to Closed on start.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's failure-gating state.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Breaker gates outbound requests on recent failure history.
//
// While half-open, CanRequest returns true for every caller: there is no
// single-probe mutual exclusion, so concurrent probes can all proceed and a
// single failure among them reopens the circuit while others are mid-flight.
// Callers that need a single probe must serialize access themselves.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	reset     time.Duration
	failures  int
	lastFail  time.Time
	state     State
}

// Snapshot is a read-only view of the breaker for observability.
type Snapshot struct {
	State    State `json:"state"`
	Failures int   `json:"failures"`
}

// New creates a Closed breaker that opens after threshold consecutive
// failures and allows a half-open probe once reset has elapsed.
func New(threshold int, reset time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		reset:     reset,
		state:     Closed,
	}
}

// CanRequest reports whether a caller may attempt a downstream call.
// In Open state, the first evaluation after the reset timeout transitions
// the breaker to HalfOpen and permits the request.
func (b *Breaker) CanRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if !b.lastFail.IsZero() && time.Since(b.lastFail) >= b.reset {
			b.state = HalfOpen
			return true
		}
		return false
	default: // HalfOpen
		return true
	}
}

// Success resets the failure count and forces the breaker Closed.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = Closed
}

// Fail records a failure. The circuit opens when the failure count reaches
// the threshold, or immediately when half-open: a single failed probe
// reopens regardless of count.
func (b *Breaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFail = time.Now()
	if b.state == HalfOpen || b.failures >= b.threshold {
		b.state = Open
	}
}

// Reset returns the breaker to its initial Closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastFail = time.Time{}
	b.state = Closed
}

// Snapshot returns the current state and failure count.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{State: b.state, Failures: b.failures}
}
