package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
)

// Engine starts and cancels workflow runs.
type Engine interface {
	Start(ctx context.Context, workflow *models.Workflow, trigger models.RunTrigger, runContext map[string]any) (*models.WorkflowRun, error)
	Cancel(ctx context.Context, runID string) (*models.WorkflowRun, error)
}

// Approver decides on gated agent runs.
type Approver interface {
	Approve(ctx context.Context, agentRunID, approver string) (*models.AgentRun, error)
	Reject(ctx context.Context, agentRunID, reason string) (*models.AgentRun, error)
}

// Run exposes workflow runs to the transport layer.
type Run struct {
	persistence persistence.Persistence
	engine      Engine
	approver    Approver
	logger      *slog.Logger
}

// RunDetails is a run together with the agent runs of its nodes.
type RunDetails struct {
	Run       *models.WorkflowRun `json:"run"`
	AgentRuns []*models.AgentRun  `json:"agent_runs"`
}

// NewRun creates a new run service.
func NewRun(persistence persistence.Persistence, engine Engine, approver Approver, logger *slog.Logger) *Run {
	return &Run{
		persistence: persistence,
		engine:      engine,
		approver:    approver,
		logger:      logger.With("module", "run_service"),
	}
}

// Trigger manually starts a run of an ACTIVE workflow. The run is returned
// as soon as it is stored; its nodes execute in the background.
func (r *Run) Trigger(ctx context.Context, workflowID string, input map[string]any) (*models.WorkflowRun, error) {
	workflow, err := r.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if !workflow.IsActive() {
		return nil, NewConflictError("Trigger", "WORKFLOW_INACTIVE",
			fmt.Sprintf("workflow %s is %s", workflowID, workflow.Status), ErrWorkflowInactive)
	}

	run, err := r.engine.Start(ctx, workflow, models.RunTrigger{Kind: models.TriggerKindManual}, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	r.logger.InfoContext(ctx, "Run triggered manually", "workflow_id", workflowID, "run_id", run.ID)

	return run, nil
}

// GetRun returns a run of workflowID with its agent runs.
func (r *Run) GetRun(ctx context.Context, workflowID, runID string) (*RunDetails, error) {
	run, err := r.runOf(ctx, workflowID, runID)
	if err != nil {
		return nil, err
	}

	agentRuns, err := r.persistence.RunRepository().GetAgentRuns(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent runs: %w", err)
	}

	return &RunDetails{Run: run, AgentRuns: agentRuns}, nil
}

// ListRuns returns the runs of workflowID, newest first.
func (r *Run) ListRuns(
	ctx context.Context,
	workflowID string,
	statuses []models.RunStatus,
	limit int,
) ([]*models.WorkflowRun, error) {
	if _, err := r.persistence.WorkflowRepository().GetByID(ctx, workflowID); err != nil {
		return nil, err
	}

	if limit <= 0 || limit > persistence.MaxListLimit {
		limit = persistence.DefaultListLimit
	}

	for _, status := range statuses {
		switch status {
		case models.RunStatusPending, models.RunStatusRunning, models.RunStatusSuccess,
			models.RunStatusFailed, models.RunStatusCancelled:
		default:
			return nil, NewValidationError("ListRuns", "INVALID_STATUS",
				fmt.Sprintf("invalid run status '%s'", status), ErrInvalidStatus)
		}
	}

	runs, err := r.persistence.RunRepository().ListRuns(ctx, persistence.ListRunsOptions{
		WorkflowID: workflowID,
		Statuses:   statuses,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	return runs, nil
}

// Cancel cancels a run of workflowID that has not finished yet.
func (r *Run) Cancel(ctx context.Context, workflowID, runID string) (*models.WorkflowRun, error) {
	if _, err := r.runOf(ctx, workflowID, runID); err != nil {
		return nil, err
	}

	return r.engine.Cancel(ctx, runID)
}

// Approve releases a gated agent run on behalf of approver.
func (r *Run) Approve(ctx context.Context, agentRunID, approver string) (*models.AgentRun, error) {
	return r.approver.Approve(ctx, agentRunID, approver)
}

// Reject finishes a gated agent run as REJECTED.
func (r *Run) Reject(ctx context.Context, agentRunID, reason string) (*models.AgentRun, error) {
	return r.approver.Reject(ctx, agentRunID, reason)
}

func (r *Run) runOf(ctx context.Context, workflowID, runID string) (*models.WorkflowRun, error) {
	run, err := r.persistence.RunRepository().GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.WorkflowID != workflowID {
		return nil, persistence.NewRunError("GetRun", runID, ErrRunNotFound)
	}

	return run, nil
}
