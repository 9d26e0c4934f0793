// Package events defines the messages exchanged over the event bus: external
// trigger events consumed by the listener and run lifecycle notifications
// produced by the scheduler and the approval gate.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Bus topics.
const (
	Topic         = "sandflow.events"   // run and approval lifecycle notifications
	ExternalTopic = "sandflow.external" // inbound events that may trigger workflows
)

const (
	SubjectMetadataKey   = "subject"
	EventTypeMetadataKey = "event_type"
)

const (
	ExternalEventReceived EventType = "external.received"

	RunStartedEvent   EventType = "run.started"
	RunSucceededEvent EventType = "run.success"
	RunFailedEvent    EventType = "run.failed"
	RunCancelledEvent EventType = "run.cancelled"

	AgentRunAwaitingApprovalEvent EventType = "agent_run.awaiting_approval"
	AgentRunApprovedEvent         EventType = "agent_run.approved"
	AgentRunRejectedEvent         EventType = "agent_run.rejected"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
	}
}

func (b BaseEvent) GetType() EventType {
	return b.Type
}
