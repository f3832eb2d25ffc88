package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: 50 * time.Millisecond})

	now := time.Now()
	cb.RecordFailure(now)
	cb.RecordFailure(now)
	require.Equal(t, StateClosed, cb.State())
	cb.RecordFailure(now)
	require.Equal(t, StateOpen, cb.State())
}

func TestBreakerStaysOpenWithinResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: 100 * time.Millisecond})
	cb.RecordFailure(time.Now())
	require.Equal(t, StateOpen, cb.State())

	require.False(t, cb.Admits(time.Now()))
}

func TestBreakerHalfOpensExactlyOnceAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 10 * time.Millisecond})
	cb.RecordFailure(time.Now())
	require.Equal(t, StateOpen, cb.State())

	future := time.Now().Add(20 * time.Millisecond)
	require.True(t, cb.Admits(future))
	require.Equal(t, StateHalfOpen, cb.State())
}

func TestBreakerClosesAfterSuccessThresholdInHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 5 * time.Millisecond})
	cb.RecordFailure(time.Now())
	cb.Admits(time.Now().Add(10 * time.Millisecond))
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	require.Equal(t, StateHalfOpen, cb.State())
	cb.RecordSuccess()
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerAnyFailureInHalfOpenReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 3, ResetTimeout: 5 * time.Millisecond})
	cb.RecordFailure(time.Now())
	cb.Admits(time.Now().Add(10 * time.Millisecond))
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure(time.Now())
	require.Equal(t, StateOpen, cb.State())
}

func TestClosedStateFailuresDecayByOneOnSuccessNeverBelowZero(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 10, SuccessThreshold: 2, ResetTimeout: time.Second})
	cb.RecordFailure(time.Now())
	cb.RecordFailure(time.Now())
	require.Equal(t, 2, cb.Stats().Failures)

	cb.RecordSuccess()
	require.Equal(t, 1, cb.Stats().Failures)

	cb.RecordSuccess()
	cb.RecordSuccess()
	require.Equal(t, 0, cb.Stats().Failures)
}

// TestBreakerMonotonicity captures invariant 7 and scenario S5: within
// resetTimeoutMs of opening, no selection admits the breaker; after
// that horizon exactly one attempt is admitted before it closes or
// re-opens.
func TestBreakerMonotonicity(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: 60 * time.Second})
	start := time.Now()
	cb.RecordFailure(start)
	cb.RecordFailure(start)
	cb.RecordFailure(start)
	require.Equal(t, StateOpen, cb.State())

	require.False(t, cb.Admits(start.Add(59*time.Second)))
	require.True(t, cb.Admits(start.Add(61*time.Second)))
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	cb.RecordSuccess()
	require.Equal(t, StateClosed, cb.State())
}
