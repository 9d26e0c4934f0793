package executor

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAgentInactive     = errors.New("agent is inactive")
	ErrUnsupportedAction = errors.New("action not supported by agent")
	ErrInvalidInput      = errors.New("input does not match action schema")
	ErrTimeout           = errors.New("agent execution timed out")
)

// ExecutionError is any failure to obtain an output from the sandbox other
// than a timeout or an open circuit.
type ExecutionError struct {
	AgentID string
	Action  string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution of %s/%s failed: %v", e.AgentID, e.Action, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a sandbox call that outlived its deadline.
type TimeoutError struct {
	AgentID string
	Action  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution of %s/%s exceeded %s", e.AgentID, e.Action, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
