package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"discovery-agent/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultFailureThreshold uint32        = 5
	defaultResetTimeout     time.Duration = 60 * time.Second
	defaultHalfOpenAttempts uint32        = 3
)

// State is the breaker state as seen by callers.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the circuit opens.
	FailureThreshold uint32
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
	// HalfOpenAttempts is the number of consecutive probe successes needed to close.
	HalfOpenAttempts uint32
	// OnStateChange, if set, observes transitions after they are logged.
	OnStateChange func(name string, from, to State)
}

// BreakerSnapshot is a read-only view of breaker state and counters.
type BreakerSnapshot struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	Failures            uint32    `json:"failures"`
	Successes           uint32    `json:"successes"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	HalfOpenSuccesses   uint32    `json:"half_open_successes"`
	LastFailureTime     time.Time `json:"last_failure_time,omitzero"`
	LastSuccessTime     time.Time `json:"last_success_time,omitzero"`
}

// CircuitBreaker stops calling a failing dependency until it likely recovered.
type CircuitBreaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger

	mu          sync.Mutex
	lastFailure time.Time
	lastSuccess time.Time
}

// NewCircuitBreaker creates a breaker. Zero-valued fields use defaults.
func NewCircuitBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = defaultFailureThreshold
	}
	timeout := cfg.ResetTimeout
	if timeout == 0 {
		timeout = defaultResetTimeout
	}
	probes := cfg.HalfOpenAttempts
	if probes == 0 {
		probes = defaultHalfOpenAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}

	cb := &CircuitBreaker{name: name, logger: logger}
	cb.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: probes,
		Interval:    0, // counts only reset on state change
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
		IsSuccessful: func(err error) bool {
			// A caller abandoning the call says nothing about the dependency.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return cb
}

// Execute runs fn unless the circuit is open. An open circuit, or a half-open
// circuit with all probes in flight, fails with domain.ErrCircuitOpen without
// calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := cb.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewDomainError("CircuitBreaker.Execute", domain.ErrCircuitOpen,
			fmt.Sprintf("breaker %q", cb.name))
	}

	cb.mu.Lock()
	if err == nil {
		cb.lastSuccess = time.Now()
	} else {
		cb.lastFailure = time.Now()
	}
	cb.mu.Unlock()
	return err
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state. An open breaker whose timeout elapsed
// reports half-open.
func (cb *CircuitBreaker) State() State {
	return fromGobreaker(cb.breaker.State())
}

// Snapshot returns the current counters and timestamps.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	state := cb.State()
	counts := cb.breaker.Counts()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	snap := BreakerSnapshot{
		Name:                cb.name,
		State:               state,
		Failures:            counts.TotalFailures,
		Successes:           counts.TotalSuccesses,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		LastFailureTime:     cb.lastFailure,
		LastSuccessTime:     cb.lastSuccess,
	}
	if state == StateHalfOpen {
		snap.HalfOpenSuccesses = counts.ConsecutiveSuccesses
	}
	return snap
}
