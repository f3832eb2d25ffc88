// Package routing implements the routing strategy engine: per-upstream
// circuit breakers, retry with backoff and jitter, and pluggable
// server-selection strategies (spec.md §4.5).
package routing

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit-breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerEvent names a state transition fired to an optional observer.
type BreakerEvent string

const (
	EventOpened    BreakerEvent = "open"
	EventHalfOpen  BreakerEvent = "half-open"
	EventClosed    BreakerEvent = "close"
)

// CircuitBreakerConfig parametrizes a single breaker.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	OnTransition     func(name string, event BreakerEvent, from, to BreakerState)
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
}

// CircuitBreaker tracks per-upstream health. Unlike a textbook breaker
// that resets the failure count to zero on any closed-state success,
// this one decays it by one (never below zero): a single good call
// should not erase a long failure streak outright, only chip at it.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu              sync.RWMutex
	state           BreakerState
	failures        int
	successes       int
	lastFailure     time.Time
	lastStateChange time.Time
	nextRetry       time.Time
}

// NewCircuitBreaker builds a breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config.applyDefaults()
	now := time.Now()
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: now,
	}
}

// Admits reports whether a call may currently be attempted, transitioning
// open -> half-open if the reset timeout has elapsed. This is the single
// admission check the routing strategy's server selection consults.
func (cb *CircuitBreaker) Admits(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if !now.Before(cb.nextRetry) {
			cb.transitionLocked(StateHalfOpen, EventHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// NextRetry returns the instant an open breaker becomes eligible for
// half-open admission.
func (cb *CircuitBreaker) NextRetry() time.Time {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.nextRetry
}

// RecordSuccess registers a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if cb.failures > 0 {
			cb.failures--
		}
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionLocked(StateClosed, EventClosed)
		}
	}
}

// RecordFailure registers a failed call. Any failure while half-open
// reopens the breaker immediately.
func (cb *CircuitBreaker) RecordFailure(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = now
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen, EventOpened)
		}
	case StateHalfOpen:
		cb.transitionLocked(StateOpen, EventOpened)
	}
}

// transitionLocked must be called with cb.mu held for writing.
func (cb *CircuitBreaker) transitionLocked(to BreakerState, event BreakerEvent) {
	from := cb.state
	cb.state = to
	cb.lastStateChange = time.Now()
	cb.successes = 0
	if to == StateOpen {
		cb.nextRetry = cb.lastStateChange.Add(cb.config.ResetTimeout)
	}
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.config.OnTransition != nil {
		go cb.config.OnTransition(cb.config.Name, event, from, to)
	}
}

// Reset forces the breaker back to closed, for operator use.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed, EventClosed)
}

// Stats is a point-in-time snapshot for health reporting.
type Stats struct {
	Name            string
	State           BreakerState
	Failures        int
	Successes       int
	LastFailure     time.Time
	LastStateChange time.Time
	NextRetry       time.Time
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Stats{
		Name:            cb.config.Name,
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastStateChange,
		NextRetry:       cb.nextRetry,
	}
}

// Registry manages one breaker per upstream, created lazily on first use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewRegistry builds a registry that lazily creates breakers with the
// given default config.
func NewRegistry(defaults CircuitBreakerConfig) *Registry {
	defaults.applyDefaults()
	return &Registry{breakers: make(map[string]*CircuitBreaker), defaults: defaults}
}

// Get returns (creating if absent) the breaker for name.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cfg := r.defaults
	cfg.Name = name
	cb = NewCircuitBreaker(cfg)
	r.breakers[name] = cb
	return cb
}

// AllStats returns a snapshot of every tracked breaker.
func (r *Registry) AllStats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Stats())
	}
	return out
}

// ResetAll forces every tracked breaker closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
