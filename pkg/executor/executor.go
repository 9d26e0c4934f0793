// Package executor turns a resolved (agent, action, input) triple into a
// bounded call against the sandbox service.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/otelhelper"
	"github.com/dukex/sandflow/pkg/resilience"
	"github.com/dukex/sandflow/pkg/sandbox"
	"github.com/xeipuuv/gojsonschema"
)

// Executor makes exactly one sandbox attempt per call. It never retries.
type Executor struct {
	runner         sandbox.Runner
	breaker        *resilience.CircuitBreaker
	metrics        *otelhelper.Metrics
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// Option customises an Executor.
type Option func(*Executor)

func WithMetrics(metrics *otelhelper.Metrics) Option {
	return func(e *Executor) {
		e.metrics = metrics
	}
}

// WithDefaultTimeout sets the limit used when Execute is given no timeout.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.defaultTimeout = timeout
		}
	}
}

func New(runner sandbox.Runner, breaker *resilience.CircuitBreaker, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		runner:         runner,
		breaker:        breaker,
		logger:         logger.With("module", "executor"),
		defaultTimeout: models.DefaultNodeTimeout,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs action on agent with input. The returned error is an
// *ExecutionError, *TimeoutError, *resilience.CircuitOpenError, or the
// caller's context error when ctx was cancelled.
func (e *Executor) Execute(
	ctx context.Context,
	agent *models.Agent,
	action string,
	input map[string]any,
	timeout time.Duration,
) (map[string]any, error) {
	if err := e.preflight(agent, action, input); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	req := sandbox.Request{
		Entrypoint: agent.Entrypoint,
		Action:     action,
		Input:      input,
		Timeout:    timeout,
	}

	var (
		output   map[string]any
		timedOut bool
	)

	started := time.Now()

	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		e.metrics.ExecutionStarted(ctx, agent.ID)

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		result, err := e.run(callCtx, req)

		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			timedOut = true

			return &TimeoutError{AgentID: agent.ID, Action: action, Timeout: timeout}
		}

		if err != nil {
			return err
		}

		output = result.Output

		return nil
	})

	elapsed := float64(time.Since(started).Milliseconds())

	var openErr *resilience.CircuitOpenError

	switch {
	case errors.As(err, &openErr):
		e.logger.WarnContext(ctx, "sandbox call rejected by circuit breaker",
			"agent_id", agent.ID, "action", action, "retry_after", openErr.RetryAfter)

		return nil, err
	case timedOut:
		e.metrics.ExecutionFinished(ctx, agent.ID, "timeout", elapsed)

		return nil, err
	case err != nil && ctx.Err() != nil:
		e.metrics.ExecutionFinished(ctx, agent.ID, "failed", elapsed)

		return nil, ctx.Err()
	case err != nil:
		e.metrics.ExecutionFinished(ctx, agent.ID, "failed", elapsed)

		return nil, &ExecutionError{AgentID: agent.ID, Action: action, Err: err}
	}

	e.metrics.ExecutionFinished(ctx, agent.ID, "success", elapsed)

	if output == nil {
		output = map[string]any{}
	}

	return output, nil
}

// run stops waiting once ctx is done even if the runner does not.
func (e *Executor) run(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	type outcome struct {
		result sandbox.Result
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		result, err := e.runner.Run(ctx, req)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return sandbox.Result{}, ctx.Err()
	}
}

func (e *Executor) preflight(agent *models.Agent, action string, input map[string]any) error {
	if agent == nil {
		return &ExecutionError{Action: action, Err: errors.New("agent not found")}
	}

	if !agent.Active {
		return &ExecutionError{AgentID: agent.ID, Action: action, Err: ErrAgentInactive}
	}

	if !agent.SupportsAction(action) {
		return &ExecutionError{AgentID: agent.ID, Action: action, Err: ErrUnsupportedAction}
	}

	schema, ok := agent.InputSchemas[action]
	if !ok || len(schema) == 0 {
		return nil
	}

	if err := ValidateInput(schema, input); err != nil {
		return &ExecutionError{AgentID: agent.ID, Action: action, Err: err}
	}

	return nil
}

// ValidateInput checks input against a JSON schema document.
func ValidateInput(schema map[string]any, input map[string]any) error {
	if input == nil {
		input = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(input))
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(messages, "; "))
	}

	return nil
}

// CheckSchema reports whether schema is a loadable JSON schema.
func CheckSchema(schema map[string]any) error {
	if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema)); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	return nil
}
