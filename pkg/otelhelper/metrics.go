package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the run and agent execution instruments.
type Metrics struct {
	runsStarted   metric.Int64Counter
	runsSucceeded metric.Int64Counter
	runsFailed    metric.Int64Counter
	runsCancelled metric.Int64Counter
	activeRuns    metric.Int64UpDownCounter

	executionsStarted   metric.Int64Counter
	executionsSucceeded metric.Int64Counter
	executionsFailed    metric.Int64Counter
	executionsTimedOut  metric.Int64Counter
	executionDuration   metric.Float64Histogram

	breakerTransitions metric.Int64Counter
	rateLimited        metric.Int64Counter
}

// NewMetrics creates instruments on meter, or on the global provider when
// meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("github.com/dukex/sandflow")
	}

	m := &Metrics{}

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&m.runsStarted, "sandflow.runs.started", "Workflow runs started"},
		{&m.runsSucceeded, "sandflow.runs.succeeded", "Workflow runs finished with SUCCESS"},
		{&m.runsFailed, "sandflow.runs.failed", "Workflow runs finished with FAILED"},
		{&m.runsCancelled, "sandflow.runs.cancelled", "Workflow runs cancelled"},
		{&m.executionsStarted, "sandflow.agent_executions.started", "Agent executions sent to the sandbox"},
		{&m.executionsSucceeded, "sandflow.agent_executions.succeeded", "Agent executions that succeeded"},
		{&m.executionsFailed, "sandflow.agent_executions.failed", "Agent executions that failed"},
		{&m.executionsTimedOut, "sandflow.agent_executions.timed_out", "Agent executions that exceeded their timeout"},
		{&m.breakerTransitions, "sandflow.circuit_breaker.transitions", "Circuit breaker state transitions"},
		{&m.rateLimited, "sandflow.http.rate_limited", "Requests rejected by the rate limiter"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description))
		if err != nil {
			return nil, err
		}

		*c.target = counter
	}

	var err error

	m.activeRuns, err = meter.Int64UpDownCounter("sandflow.runs.active",
		metric.WithDescription("Workflow runs currently executing"))
	if err != nil {
		return nil, err
	}

	m.executionDuration, err = meter.Float64Histogram("sandflow.agent_executions.duration",
		metric.WithDescription("Agent execution wall time"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RunStarted(ctx context.Context, workflowID string) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(WorkflowIDKey, workflowID))
	m.runsStarted.Add(ctx, 1, attrs)
	m.activeRuns.Add(ctx, 1, attrs)
}

// RunResumed counts a run picked up from storage after a restart as active.
// It pairs with RunFinished the way RunStarted does.
func (m *Metrics) RunResumed(ctx context.Context, workflowID string) {
	if m == nil {
		return
	}

	m.activeRuns.Add(ctx, 1, metric.WithAttributes(attribute.String(WorkflowIDKey, workflowID)))
}

// RunFinished records a terminal run status: SUCCESS, FAILED or CANCELLED.
func (m *Metrics) RunFinished(ctx context.Context, workflowID, status string) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(WorkflowIDKey, workflowID))
	m.activeRuns.Add(ctx, -1, attrs)

	switch status {
	case "SUCCESS":
		m.runsSucceeded.Add(ctx, 1, attrs)
	case "CANCELLED":
		m.runsCancelled.Add(ctx, 1, attrs)
	default:
		m.runsFailed.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) ExecutionStarted(ctx context.Context, agentID string) {
	if m == nil {
		return
	}

	m.executionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String(AgentIDKey, agentID)))
}

// ExecutionFinished records the outcome of one sandbox call; outcome is one
// of "success", "failed" or "timeout".
func (m *Metrics) ExecutionFinished(ctx context.Context, agentID, outcome string, millis float64) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(AgentIDKey, agentID))

	switch outcome {
	case "success":
		m.executionsSucceeded.Add(ctx, 1, attrs)
	case "timeout":
		m.executionsTimedOut.Add(ctx, 1, attrs)
	default:
		m.executionsFailed.Add(ctx, 1, attrs)
	}

	m.executionDuration.Record(ctx, millis, metric.WithAttributes(
		attribute.String(AgentIDKey, agentID),
		attribute.String(StatusKey, outcome),
	))
}

func (m *Metrics) BreakerTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}

	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) RateLimited(ctx context.Context, route string) {
	if m == nil {
		return
	}

	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}
