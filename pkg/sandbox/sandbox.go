// Package sandbox is the client side of the isolated agent execution service.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Request asks the sandbox to run one action of an agent image.
type Request struct {
	Entrypoint string         `json:"entrypoint"`
	Action     string         `json:"action"`
	Input      map[string]any `json:"input"`
	Timeout    time.Duration  `json:"-"`
}

// Result is what a finished sandbox execution produced.
type Result struct {
	Output     map[string]any `json:"output"`
	ExitStatus int            `json:"exit_status"`
	Message    string         `json:"error,omitempty"`
}

// Runner executes agent code. Implementations must return promptly once ctx
// is done.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// ExitError reports an agent that ran and exited unsuccessfully.
type ExitError struct {
	ExitStatus int
	Message    string
}

func (e *ExitError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent exited with status %d", e.ExitStatus)
	}

	return fmt.Sprintf("agent exited with status %d: %s", e.ExitStatus, e.Message)
}

// FuncRunner adapts a function to Runner.
type FuncRunner func(ctx context.Context, req Request) (Result, error)

func (f FuncRunner) Run(ctx context.Context, req Request) (Result, error) {
	result, err := f(ctx, req)
	if err != nil {
		return result, err
	}

	return checkExit(result)
}

func checkExit(result Result) (Result, error) {
	if result.ExitStatus != 0 {
		return result, &ExitError{ExitStatus: result.ExitStatus, Message: result.Message}
	}

	return result, nil
}
