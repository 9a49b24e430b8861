package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discovery-agent/internal/domain"
)

var errBackend = errors.New("backend down")

func tripBreaker(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := cb.Execute(func() error { return errBackend })
		require.ErrorIs(t, err, errBackend)
	}
}

func TestCircuitBreakerPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{}, slog.Default())
	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "test", cb.Name())
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("flaky", BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     5 * time.Second,
		HalfOpenAttempts: 2,
	}, slog.Default())

	tripBreaker(t, cb, 3)
	assert.Equal(t, StateOpen, cb.State())

	calls := 0
	err := cb.Execute(func() error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 0, calls, "function must not run while open")
}

func TestCircuitBreakerHalfOpenCloses(t *testing.T) {
	cb := NewCircuitBreaker("recovering", BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     50 * time.Millisecond,
		HalfOpenAttempts: 2,
	}, slog.Default())

	tripBreaker(t, cb, 3)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.Equal(t, uint32(1), cb.Snapshot().HalfOpenSuccesses)

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	snap := cb.Snapshot()
	assert.Zero(t, snap.ConsecutiveFailures, "counters reset on close")
	assert.Zero(t, snap.Failures)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("relapse", BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     50 * time.Millisecond,
		HalfOpenAttempts: 2,
	}, slog.Default())

	tripBreaker(t, cb, 3)
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	err := cb.Execute(func() error { return errBackend })
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, cb.State())

	err = cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestCircuitBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("mixed", BreakerConfig{FailureThreshold: 3}, slog.Default())

	tripBreaker(t, cb, 2)
	require.NoError(t, cb.Execute(func() error { return nil }))
	tripBreaker(t, cb, 2)
	assert.Equal(t, StateClosed, cb.State())

	snap := cb.Snapshot()
	assert.Equal(t, uint32(2), snap.ConsecutiveFailures)
	assert.Equal(t, uint32(4), snap.Failures)
	assert.Equal(t, uint32(1), snap.Successes)
	assert.False(t, snap.LastFailureTime.IsZero())
	assert.False(t, snap.LastSuccessTime.IsZero())
}

func TestCircuitBreakerStateChangeHook(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	cb := NewCircuitBreaker("hooked", BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(_ string, _, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	}, slog.Default())

	tripBreaker(t, cb, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen}, transitions)
}
