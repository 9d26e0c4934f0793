package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/sandflow/pkg/graph"
	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/google/uuid"
)

// TriggerSyncer reloads trigger registrations after workflow changes.
type TriggerSyncer interface {
	Sync(ctx context.Context) error
}

type Workflow struct {
	persistence persistence.Persistence
	triggers    TriggerSyncer
	logger      *slog.Logger
}

// NewWorkflow creates a new workflow service. triggers may be nil.
func NewWorkflow(persistence persistence.Persistence, triggers TriggerSyncer, logger *slog.Logger) *Workflow {
	return &Workflow{
		persistence: persistence,
		triggers:    triggers,
		logger:      logger.With("module", "workflow_service"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ListWorkflowsRequest contains options for listing workflows.
type ListWorkflowsRequest struct {
	// Pagination
	Limit  int
	Offset int

	// Filtering
	Status      *models.WorkflowStatus
	TriggerKind models.TriggerKind

	// Sorting
	SortBy    string
	SortOrder string
}

// ListWorkflowsResponse contains the result of listing workflows.
type ListWorkflowsResponse struct {
	Workflows   []*models.Workflow `json:"workflows"`
	TotalCount  int64              `json:"total_count"`
	HasNextPage bool               `json:"has_next_page"`
}

// ListWorkflows retrieves workflows with filtering, sorting, and pagination.
func (w *Workflow) ListWorkflows(ctx context.Context, req ListWorkflowsRequest) (*ListWorkflowsResponse, error) {
	if req.Status != nil && *req.Status != models.WorkflowStatusActive && *req.Status != models.WorkflowStatusInactive {
		return nil, NewValidationError("ListWorkflows", "INVALID_STATUS",
			fmt.Sprintf("invalid status '%s'", *req.Status), ErrInvalidStatus)
	}

	opts := persistence.ListWorkflowsOptions{
		Limit:       req.Limit,
		Offset:      req.Offset,
		Status:      req.Status,
		TriggerKind: req.TriggerKind,
		SortBy:      req.SortBy,
		SortOrder:   req.SortOrder,
	}

	if err := opts.Normalize(); err != nil {
		return nil, NewValidationError("ListWorkflows", "INVALID_SORT_FIELD",
			fmt.Sprintf("invalid sort '%s %s', allowed: created_at, updated_at, name", req.SortBy, req.SortOrder),
			ErrInvalidSortField)
	}

	result, err := w.persistence.WorkflowRepository().ListWorkflows(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return &ListWorkflowsResponse{
		Workflows:   result.Workflows,
		TotalCount:  result.TotalCount,
		HasNextPage: result.HasNextPage,
	}, nil
}

// FetchByID retrieves a workflow by its ID.
func (w *Workflow) FetchByID(ctx context.Context, id string) (*models.Workflow, error) {
	return w.persistence.WorkflowRepository().GetByID(ctx, id)
}

// Create validates and stores a new workflow. Workflows without a status
// start ACTIVE.
func (w *Workflow) Create(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, NewValidationError("Create", "INVALID_WORKFLOW", "workflow cannot be nil", ErrInvalidRequest)
	}

	now := time.Now().UTC()
	workflow.ID = uuid.NewString()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	if workflow.Status == "" {
		workflow.Status = models.WorkflowStatusActive
	}

	if err := w.validate(ctx, workflow); err != nil {
		return nil, err
	}

	if err := w.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "Workflow created",
		"workflow_id", workflow.ID, "nodes", len(workflow.Nodes), "trigger_kind", workflow.Trigger.Kind)
	w.syncTriggers(ctx, workflow)

	return workflow, nil
}

// Update replaces the definition of an existing workflow. Runs read the live
// definition, so updates are refused while the workflow has runs in progress.
func (w *Workflow) Update(
	ctx context.Context,
	workflowID string,
	workflow *models.Workflow,
) (*models.Workflow, error) {
	if workflow == nil {
		return nil, NewValidationError("Update", "INVALID_WORKFLOW", "workflow cannot be nil", ErrInvalidRequest)
	}

	existing, err := w.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	workflow.ID = workflowID
	workflow.CreatedAt = existing.CreatedAt
	workflow.UpdatedAt = time.Now().UTC()

	if workflow.Status == "" {
		workflow.Status = existing.Status
	}

	if err := w.validate(ctx, workflow); err != nil {
		return nil, err
	}

	if err := w.ensureIdle(ctx, "Update", workflowID); err != nil {
		return nil, err
	}

	if err := w.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "Workflow updated", "workflow_id", workflowID)
	w.syncTriggers(ctx, existing, workflow)

	return workflow, nil
}

// Delete removes a workflow by its ID. Workflows with runs in progress
// cannot be deleted.
func (w *Workflow) Delete(ctx context.Context, workflowID string) error {
	existing, err := w.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return err
	}

	if err := w.ensureIdle(ctx, "Delete", workflowID); err != nil {
		return err
	}

	err = w.persistence.WorkflowRepository().Delete(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "Workflow deleted", "workflow_id", workflowID)
	w.syncTriggers(ctx, existing)

	return nil
}

// validate checks the workflow DAG against the current agent registrations.
func (w *Workflow) validate(ctx context.Context, workflow *models.Workflow) error {
	agents, err := w.persistence.AgentRepository().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}

	byID := make(map[string]*models.Agent, len(agents))
	for _, agent := range agents {
		byID[agent.ID] = agent
	}

	return graph.Validate(workflow, byID)
}

func (w *Workflow) ensureIdle(ctx context.Context, op, workflowID string) error {
	active, err := w.persistence.RunRepository().ListRuns(ctx, persistence.ListRunsOptions{
		WorkflowID: workflowID,
		Statuses:   []models.RunStatus{models.RunStatusPending, models.RunStatusRunning},
		Limit:      1,
	})
	if err != nil {
		return fmt.Errorf("failed to check workflow runs: %w", err)
	}

	if len(active) > 0 {
		return NewConflictError(op, "WORKFLOW_BUSY",
			fmt.Sprintf("workflow %s has run %s in progress", workflowID, active[0].ID), ErrWorkflowBusy)
	}

	return nil
}

// syncTriggers refreshes schedules when any of the given versions of a
// workflow is SCHEDULE triggered. Event triggers are matched against storage
// on every event and need no refresh.
func (w *Workflow) syncTriggers(ctx context.Context, versions ...*models.Workflow) {
	if w.triggers == nil {
		return
	}

	scheduled := slices.ContainsFunc(versions, func(workflow *models.Workflow) bool {
		return workflow.Trigger.Kind == models.TriggerKindSchedule
	})
	if !scheduled {
		return
	}

	if err := w.triggers.Sync(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to sync triggers", "workflow_id", versions[0].ID, "error", err)
	}
}
