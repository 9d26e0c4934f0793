// Package resilience protects the sandbox boundary with a circuit breaker and
// guards public entry points with fixed-window rate limiting.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within Window that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a trial call.
	ResetTimeout time.Duration
	// Window is the sliding window failures are counted in.
	Window time.Duration
}

// DefaultBreakerConfig returns the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		Window:           60 * time.Second,
	}
}

// BreakerOption customises a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithStateChange registers a callback invoked after every transition. It
// runs while the breaker lock is held and must not call back into the breaker.
func WithStateChange(fn func(from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// CircuitBreaker is shared by every concurrent dispatch. All state lives
// behind a single mutex.
type CircuitBreaker struct {
	config        BreakerConfig
	logger        *slog.Logger
	now           func() time.Time
	onStateChange func(from, to State)

	mu       sync.Mutex
	state    State
	failures []time.Time
	openedAt time.Time
	trialing bool
}

func NewCircuitBreaker(config BreakerConfig, logger *slog.Logger, opts ...BreakerOption) *CircuitBreaker {
	defaults := DefaultBreakerConfig()

	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}

	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}

	if config.Window <= 0 {
		config.Window = defaults.Window
	}

	if logger == nil {
		logger = slog.Default()
	}

	cb := &CircuitBreaker{
		config: config,
		logger: logger.With("module", "circuit_breaker"),
		now:    time.Now,
		state:  StateClosed,
	}

	for _, opt := range opts {
		opt(cb)
	}

	return cb
}

// State returns the current state, moving OPEN to HALF_OPEN when the reset
// timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen(cb.now())

	return cb.state
}

// Execute runs fn unless the circuit is open. Errors returned by fn count as
// failures, except when ctx itself was cancelled by the caller.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.acquire()
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	cb.release(ctx, trial, callErr)

	return callErr
}

func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.maybeHalfOpen(now)

	switch cb.state {
	case StateOpen:
		return false, &CircuitOpenError{State: StateOpen, RetryAfter: cb.openedAt.Add(cb.config.ResetTimeout).Sub(now)}
	case StateHalfOpen:
		if cb.trialing {
			return false, &CircuitOpenError{State: StateHalfOpen, RetryAfter: cb.config.ResetTimeout}
		}

		cb.trialing = true

		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) release(ctx context.Context, trial bool, callErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cancelled := callErr != nil && ctx.Err() != nil && errors.Is(callErr, context.Canceled)

	if trial {
		cb.trialing = false

		switch {
		case cancelled:
			// the trial never produced a verdict; the next caller gets it
		case callErr == nil:
			cb.failures = nil
			cb.transitionTo(StateClosed, "trial call succeeded")
		default:
			cb.openedAt = now
			cb.transitionTo(StateOpen, "trial call failed")
		}

		return
	}

	if callErr == nil || cancelled || cb.state != StateClosed {
		return
	}

	cb.failures = append(cb.pruned(now), now)

	if len(cb.failures) >= cb.config.FailureThreshold {
		cb.openedAt = now
		cb.transitionTo(StateOpen, "failure threshold reached")
	}
}

func (cb *CircuitBreaker) maybeHalfOpen(now time.Time) {
	if cb.state == StateOpen && !now.Before(cb.openedAt.Add(cb.config.ResetTimeout)) {
		cb.transitionTo(StateHalfOpen, "reset timeout elapsed")
	}
}

func (cb *CircuitBreaker) pruned(now time.Time) []time.Time {
	cutoff := now.Add(-cb.config.Window)

	kept := cb.failures[:0]
	for _, at := range cb.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	return kept
}

func (cb *CircuitBreaker) transitionTo(state State, reason string) {
	if cb.state == state {
		return
	}

	from := cb.state
	cb.state = state

	if state != StateClosed {
		cb.failures = nil
	}

	cb.logger.Info("circuit breaker state changed", "from", from.String(), "to", state.String(), "reason", reason)

	if cb.onStateChange != nil {
		cb.onStateChange(from, state)
	}
}
