package models

import "time"

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSuccess   RunStatus = "SUCCESS"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether the run can no longer change status.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusCancelled
}

// AgentRunStatus is the lifecycle state of a single node execution.
type AgentRunStatus string

const (
	AgentRunStatusPending          AgentRunStatus = "PENDING"
	AgentRunStatusAwaitingApproval AgentRunStatus = "AWAITING_APPROVAL"
	AgentRunStatusRunning          AgentRunStatus = "RUNNING"
	AgentRunStatusSuccess          AgentRunStatus = "SUCCESS"
	AgentRunStatusFailed           AgentRunStatus = "FAILED"
	AgentRunStatusRejected         AgentRunStatus = "REJECTED"
	AgentRunStatusSkipped          AgentRunStatus = "SKIPPED"
)

// IsTerminal reports whether the agent run reached a final state.
func (s AgentRunStatus) IsTerminal() bool {
	switch s {
	case AgentRunStatusSuccess, AgentRunStatusFailed, AgentRunStatusRejected, AgentRunStatusSkipped:
		return true
	default:
		return false
	}
}

// IsBlocking reports whether dependents of an agent run in this state must be skipped.
func (s AgentRunStatus) IsBlocking() bool {
	return s == AgentRunStatusFailed || s == AgentRunStatusRejected || s == AgentRunStatusSkipped
}

// Error codes recorded on failed, rejected and skipped agent runs.
const (
	ErrorCodeTemplateResolution = "template_resolution"
	ErrorCodeExecution          = "execution"
	ErrorCodeTimeout            = "timeout"
	ErrorCodeCircuitOpen        = "circuit_open"
	ErrorCodeApprovalRejected   = "approval_rejected"
	ErrorCodeApprovalExpired    = "approval_expired"
	ErrorCodeUpstreamFailed     = "upstream_failed"
	ErrorCodeCancelled          = "cancelled"
	ErrorCodeOrphaned           = "orphaned"
)

// WorkflowRun is one execution instance of a workflow.
type WorkflowRun struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Trigger    RunTrigger     `json:"trigger"`
	Context    map[string]any `json:"context"`
	Status     RunStatus      `json:"status"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// AgentRun is the execution record of one node within one workflow run.
type AgentRun struct {
	ID            string         `json:"id"`
	WorkflowRunID string         `json:"workflow_run_id"`
	NodeID        string         `json:"node_id"`
	AgentID       string         `json:"agent_id"`
	Status        AgentRunStatus `json:"status"`
	// Approved marks a gated node released by an approver; it is ready for dispatch.
	Approved      bool           `json:"approved"`
	ApprovedBy    string         `json:"approved_by,omitempty"`
	ResolvedInput map[string]any `json:"resolved_input,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	GatedAt       *time.Time     `json:"gated_at,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// Clone returns a copy whose top-level fields can be mutated independently.
func (r *AgentRun) Clone() *AgentRun {
	clone := *r

	return &clone
}

// Clone returns a copy whose top-level fields can be mutated independently.
func (r *WorkflowRun) Clone() *WorkflowRun {
	clone := *r

	return &clone
}
