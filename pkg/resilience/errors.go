package resilience

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// CircuitOpenError is returned without calling the protected function.
type CircuitOpenError struct {
	State      State
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is %s, retry after %s", e.State, e.RetryAfter)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RateLimitExceededError carries the moment the current window resets.
type RateLimitExceededError struct {
	Key     string
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit of %d exceeded for %q, resets at %s", e.Limit, e.Key, e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitExceededError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// RetryAfter is the wait until the window resets, measured from now.
func (e *RateLimitExceededError) RetryAfter(now time.Time) time.Duration {
	if wait := e.ResetAt.Sub(now); wait > 0 {
		return wait
	}

	return 0
}
