// Package approval implements the human approval step in front of
// high-risk agent executions.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/sandflow/pkg/eventbus"
	"github.com/dukex/sandflow/pkg/events"
	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
)

// Ticker re-evaluates a run after one of its agent runs changed.
type Ticker interface {
	Tick(ctx context.Context, runID string) error
}

// Gate moves AWAITING_APPROVAL agent runs forward. Every decision is a
// compare-and-swap from AWAITING_APPROVAL, so concurrent or repeated
// decisions on the same agent run have exactly one winner.
type Gate struct {
	runs      persistence.RunRepository
	ticker    Ticker
	publisher eventbus.EventPublisher
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time
}

type Option func(*Gate)

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(g *Gate) {
		g.publisher = publisher
	}
}

// WithTimeout makes ExpireStale reject agent runs gated for longer than
// timeout. Zero keeps them waiting forever.
func WithTimeout(timeout time.Duration) Option {
	return func(g *Gate) {
		g.timeout = timeout
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

func NewGate(runs persistence.RunRepository, ticker Ticker, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gate{
		runs:   runs,
		ticker: ticker,
		logger: logger.With("module", "approval"),
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Approve releases a gated agent run. It becomes PENDING and approved, and
// the run is ticked so that it is dispatched right away.
func (g *Gate) Approve(ctx context.Context, agentRunID, approver string) (*models.AgentRun, error) {
	current, err := g.awaiting(ctx, agentRunID)
	if err != nil {
		return nil, err
	}

	approved := current.Clone()
	approved.Status = models.AgentRunStatusPending
	approved.Approved = true
	approved.ApprovedBy = approver

	if err := g.swap(ctx, approved); err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "Agent run approved",
		"run_id", approved.WorkflowRunID, "node_id", approved.NodeID, "agent_run_id", approved.ID, "approver", approver)

	g.publish(ctx, events.AgentRunApprovedEvent, approved, "")
	g.tick(ctx, approved.WorkflowRunID)

	return approved, nil
}

// Reject finishes a gated agent run as REJECTED. Its dependents are skipped
// like those of a failed node.
func (g *Gate) Reject(ctx context.Context, agentRunID, reason string) (*models.AgentRun, error) {
	return g.reject(ctx, agentRunID, &ApprovalRejectedError{AgentRunID: agentRunID, Reason: reason})
}

func (g *Gate) reject(ctx context.Context, agentRunID string, cause *ApprovalRejectedError) (*models.AgentRun, error) {
	current, err := g.awaiting(ctx, agentRunID)
	if err != nil {
		return nil, err
	}

	rejected := current.Clone()
	rejected.Status = models.AgentRunStatusRejected
	rejected.Error = cause.Error()
	rejected.ErrorCode = models.ErrorCodeApprovalRejected
	rejected.FinishedAt = timePtr(g.now())

	if cause.Expired {
		rejected.ErrorCode = models.ErrorCodeApprovalExpired
	}

	if err := g.swap(ctx, rejected); err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "Agent run rejected",
		"run_id", rejected.WorkflowRunID, "node_id", rejected.NodeID, "agent_run_id", rejected.ID,
		"error_code", rejected.ErrorCode)

	g.publish(ctx, events.AgentRunRejectedEvent, rejected, cause.Reason)
	g.tick(ctx, rejected.WorkflowRunID)

	return rejected, nil
}

// ExpireStale rejects every agent run that has waited longer than the
// configured timeout and returns how many it expired.
func (g *Gate) ExpireStale(ctx context.Context) (int, error) {
	if g.timeout <= 0 {
		return 0, nil
	}

	waiting, err := g.runs.ListAgentRunsByStatus(ctx, models.AgentRunStatusAwaitingApproval)
	if err != nil {
		return 0, fmt.Errorf("list agent runs awaiting approval: %w", err)
	}

	deadline := g.now().Add(-g.timeout)
	expired := 0

	for _, agentRun := range waiting {
		if agentRun.GatedAt == nil || agentRun.GatedAt.After(deadline) {
			continue
		}

		_, err := g.reject(ctx, agentRun.ID, &ApprovalRejectedError{
			AgentRunID: agentRun.ID,
			Reason:     fmt.Sprintf("no decision within %s", g.timeout),
			Expired:    true,
		})
		if errors.Is(err, ErrNotAwaitingApproval) {
			continue
		}

		if err != nil {
			return expired, err
		}

		expired++
	}

	return expired, nil
}

// Pending lists the agent runs currently waiting for a decision.
func (g *Gate) Pending(ctx context.Context) ([]*models.AgentRun, error) {
	return g.runs.ListAgentRunsByStatus(ctx, models.AgentRunStatusAwaitingApproval)
}

func (g *Gate) awaiting(ctx context.Context, agentRunID string) (*models.AgentRun, error) {
	current, err := g.runs.GetAgentRun(ctx, agentRunID)
	if err != nil {
		return nil, err
	}

	if current.Status != models.AgentRunStatusAwaitingApproval {
		return nil, fmt.Errorf("%w: status is %s", ErrNotAwaitingApproval, current.Status)
	}

	return current, nil
}

func (g *Gate) swap(ctx context.Context, next *models.AgentRun) error {
	swapped, err := g.runs.CompareAndSwapAgentRun(ctx, next, models.AgentRunStatusAwaitingApproval)
	if err != nil {
		return err
	}

	if !swapped {
		return ErrNotAwaitingApproval
	}

	return nil
}

func (g *Gate) tick(ctx context.Context, runID string) {
	if g.ticker == nil {
		return
	}

	if err := g.ticker.Tick(context.WithoutCancel(ctx), runID); err != nil {
		g.logger.ErrorContext(ctx, "Tick after approval decision failed", "run_id", runID, "error", err)
	}
}

func (g *Gate) publish(ctx context.Context, eventType events.EventType, agentRun *models.AgentRun, reason string) {
	if g.publisher == nil {
		return
	}

	run, err := g.runs.GetRun(ctx, agentRun.WorkflowRunID)
	if err != nil {
		g.logger.ErrorContext(ctx, "Failed to load run for approval event", "run_id", agentRun.WorkflowRunID, "error", err)

		return
	}

	event := events.NewAgentRunApproval(eventType, run.WorkflowID, agentRun)
	event.Reason = reason

	if err := g.publisher.Publish(ctx, event.Subject(), event); err != nil {
		g.logger.ErrorContext(ctx, "Failed to publish approval event", "subject", event.Subject(), "error", err)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
