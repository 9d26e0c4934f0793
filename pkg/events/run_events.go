package events

import (
	"fmt"

	"github.com/dukex/sandflow/pkg/models"
)

// Outcome segments of lifecycle subjects.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// RunSubject is the subject a run completion is published on,
// e.g. run.<workflowID>.success.
func RunSubject(workflowID, outcome string) string {
	return fmt.Sprintf("run.%s.%s", workflowID, outcome)
}

// AgentRunSubject is the subject of approval notifications,
// e.g. agent_run.<workflowID>.awaiting_approval.
func AgentRunSubject(workflowID string, eventType EventType) string {
	var suffix string

	switch eventType {
	case AgentRunAwaitingApprovalEvent:
		suffix = "awaiting_approval"
	case AgentRunApprovedEvent:
		suffix = "approved"
	case AgentRunRejectedEvent:
		suffix = "rejected"
	default:
		suffix = string(eventType)
	}

	return fmt.Sprintf("agent_run.%s.%s", workflowID, suffix)
}

type RunStarted struct {
	BaseEvent

	RunID       string             `json:"run_id"`
	TriggerKind models.TriggerKind `json:"trigger_kind"`
	EventID     string             `json:"event_id,omitempty"`
}

func NewRunStarted(run *models.WorkflowRun) RunStarted {
	return RunStarted{
		BaseEvent:   NewBaseEvent(RunStartedEvent, run.WorkflowID),
		RunID:       run.ID,
		TriggerKind: run.Trigger.Kind,
		EventID:     run.Trigger.EventID,
	}
}

// RunCompleted is published once per run when it reaches a terminal status.
type RunCompleted struct {
	BaseEvent

	RunID      string           `json:"run_id"`
	Status     models.RunStatus `json:"status"`
	Error      string           `json:"error,omitempty"`
	DurationMs int64            `json:"duration_ms"`
}

func NewRunCompleted(run *models.WorkflowRun) RunCompleted {
	eventType := RunFailedEvent

	switch run.Status {
	case models.RunStatusSuccess:
		eventType = RunSucceededEvent
	case models.RunStatusCancelled:
		eventType = RunCancelledEvent
	}

	event := RunCompleted{
		BaseEvent: NewBaseEvent(eventType, run.WorkflowID),
		RunID:     run.ID,
		Status:    run.Status,
		Error:     run.Error,
	}

	if run.StartedAt != nil && run.FinishedAt != nil {
		event.DurationMs = run.FinishedAt.Sub(*run.StartedAt).Milliseconds()
	}

	return event
}

// Outcome returns the subject segment for the completed run.
func (e RunCompleted) Outcome() string {
	switch e.Status {
	case models.RunStatusSuccess:
		return OutcomeSuccess
	case models.RunStatusCancelled:
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

func (e RunCompleted) Subject() string {
	return RunSubject(e.WorkflowID, e.Outcome())
}

// AgentRunApproval covers the three approval gate notifications.
type AgentRunApproval struct {
	BaseEvent

	RunID      string `json:"run_id"`
	AgentRunID string `json:"agent_run_id"`
	NodeID     string `json:"node_id"`
	AgentID    string `json:"agent_id"`
	Approver   string `json:"approver,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func NewAgentRunApproval(eventType EventType, workflowID string, agentRun *models.AgentRun) AgentRunApproval {
	return AgentRunApproval{
		BaseEvent:  NewBaseEvent(eventType, workflowID),
		RunID:      agentRun.WorkflowRunID,
		AgentRunID: agentRun.ID,
		NodeID:     agentRun.NodeID,
		AgentID:    agentRun.AgentID,
		Approver:   agentRun.ApprovedBy,
	}
}

func (e AgentRunApproval) Subject() string {
	return AgentRunSubject(e.WorkflowID, e.Type)
}
