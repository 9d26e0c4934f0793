// Package persistence defines the storage contract for agents, workflows and runs.
package persistence

import (
	"context"

	"github.com/dukex/sandflow/pkg/models"
)

type Persistence interface {
	AgentRepository() AgentRepository
	WorkflowRepository() WorkflowRepository
	RunRepository() RunRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// AgentRepository stores agent registrations.
type AgentRepository interface {
	Save(ctx context.Context, agent *models.Agent) error
	// GetByID returns ErrAgentNotFound when the agent does not exist.
	GetByID(ctx context.Context, id string) (*models.Agent, error)
	List(ctx context.Context) ([]*models.Agent, error)
}

// WorkflowRepository stores workflow definitions.
type WorkflowRepository interface {
	Save(ctx context.Context, workflow *models.Workflow) error
	// GetByID returns ErrWorkflowNotFound when the workflow does not exist.
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, opts ListWorkflowsOptions) (*WorkflowListResult, error)
	Delete(ctx context.Context, id string) error
}

// RunRepository stores workflow runs and their agent runs. Every status
// transition goes through a compare-and-swap so concurrent schedulers never
// apply the same transition twice.
type RunRepository interface {
	// CreateRun stores a run together with its agent runs. It returns
	// ErrDuplicateRun when a run already exists for the same workflow and
	// trigger event id.
	CreateRun(ctx context.Context, run *models.WorkflowRun, agentRuns []*models.AgentRun) error
	GetRun(ctx context.Context, id string) (*models.WorkflowRun, error)
	ListRuns(ctx context.Context, opts ListRunsOptions) ([]*models.WorkflowRun, error)
	GetAgentRun(ctx context.Context, id string) (*models.AgentRun, error)
	// GetAgentRuns returns the agent runs of one workflow run.
	GetAgentRuns(ctx context.Context, runID string) ([]*models.AgentRun, error)
	ListAgentRunsByStatus(ctx context.Context, status models.AgentRunStatus) ([]*models.AgentRun, error)

	// CompareAndSwapRun replaces the stored run only when its status equals
	// expected. It reports whether the swap happened.
	CompareAndSwapRun(ctx context.Context, run *models.WorkflowRun, expected models.RunStatus) (bool, error)
	// CompareAndSwapAgentRun replaces the stored agent run only when its
	// status equals expected. It reports whether the swap happened.
	CompareAndSwapAgentRun(ctx context.Context, agentRun *models.AgentRun, expected models.AgentRunStatus) (bool, error)
}

// ListWorkflowsOptions filters and paginates workflow listings.
type ListWorkflowsOptions struct {
	Status      *models.WorkflowStatus
	TriggerKind models.TriggerKind
	Limit       int
	Offset      int
	SortBy      string
	SortOrder   string
}

// WorkflowListResult is one page of workflows.
type WorkflowListResult struct {
	Workflows   []*models.Workflow
	TotalCount  int64
	HasNextPage bool
}

// ListRunsOptions filters run listings. Runs are returned newest first.
type ListRunsOptions struct {
	WorkflowID string
	Statuses   []models.RunStatus
	Limit      int
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Normalize applies the listing defaults and rejects unknown sort fields.
func (o *ListWorkflowsOptions) Normalize() error {
	if o.Limit <= 0 || o.Limit > MaxListLimit {
		o.Limit = DefaultListLimit
	}

	if o.Offset < 0 {
		o.Offset = 0
	}

	if o.SortBy == "" {
		o.SortBy = "created_at"
	}

	if o.SortOrder == "" {
		o.SortOrder = "desc"
	}

	switch o.SortBy {
	case "created_at", "updated_at", "name":
	default:
		return ErrInvalidSort
	}

	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		return ErrInvalidSort
	}

	return nil
}

// Matches reports whether a workflow passes the filters.
func (o ListWorkflowsOptions) Matches(workflow *models.Workflow) bool {
	if o.Status != nil && workflow.Status != *o.Status {
		return false
	}

	if o.TriggerKind != "" && workflow.Trigger.Kind != o.TriggerKind {
		return false
	}

	return true
}

// Matches reports whether a run passes the filters.
func (o ListRunsOptions) Matches(run *models.WorkflowRun) bool {
	if o.WorkflowID != "" && run.WorkflowID != o.WorkflowID {
		return false
	}

	if len(o.Statuses) == 0 {
		return true
	}

	for _, status := range o.Statuses {
		if run.Status == status {
			return true
		}
	}

	return false
}
