// Package breaker gates outbound calls per destination after repeated
// failures, with a cool-down before probing the destination again.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/adriannoes/asap-protocol/internal/config"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed means calls flow normally.
	StateClosed State = iota
	// StateOpen means calls fail immediately without a network attempt.
	StateOpen
	// StateHalfOpen means one probe call is testing recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a call is refused because the destination's
// circuit is open. No network attempt was made.
type OpenError struct {
	Destination string
	RetryAfter  time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry in %s", e.Destination, e.RetryAfter.Round(time.Second))
}

// Breaker tracks consecutive failures toward one destination. The
// check-then-transition sequence runs under a single lock so concurrent
// callers cannot race a half-open probe or corrupt the counter.
type Breaker struct {
	destination string
	threshold   int
	timeout     time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probeActive bool

	now func() time.Time
}

// New creates a closed breaker for one destination.
func New(destination string, cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		destination: destination,
		threshold:   cfg.FailureThreshold,
		timeout:     cfg.OpenTimeout,
		state:       StateClosed,
		now:         time.Now,
	}
}

// Allow decides whether a call may proceed. While open and before the
// timeout elapses it returns an OpenError carrying the remaining
// cool-down; after the timeout one probe is admitted half-open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.timeout {
			return &OpenError{Destination: b.destination, RetryAfter: b.timeout - elapsed}
		}
		b.state = StateHalfOpen
		b.probeActive = true
		return nil
	case StateHalfOpen:
		if b.probeActive {
			return &OpenError{Destination: b.destination, RetryAfter: b.timeout}
		}
		b.probeActive = true
		return nil
	}
	return &OpenError{Destination: b.destination, RetryAfter: b.timeout}
}

// RecordSuccess reports a successful call, closing the circuit and
// resetting the failure counter from half-open.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failures = 0
		b.probeActive = false
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure reports a failed call. The threshold applies to
// consecutive failures while closed; a half-open probe failure reopens
// the circuit and restarts its timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.probeActive = false
	case StateOpen:
		// Late failure reports while already open keep the timer as is.
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry hands out one breaker per destination base URL.
type Registry struct {
	cfg config.BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(cfg config.BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a destination, creating it on first use.
func (r *Registry) Get(destination string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[destination]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[destination]; ok {
		return b
	}
	b = New(destination, r.cfg)
	r.breakers[destination] = b
	return b
}
