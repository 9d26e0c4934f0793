package events

import "time"

// ExternalEvent is an inbound event that may start workflow runs. ID is
// supplied by the producer and is the idempotency key for the run it
// creates; redelivery of the same ID never starts a second run.
type ExternalEvent struct {
	ID        string         `json:"id"        validate:"required"`
	Subject   string         `json:"subject"   validate:"required"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e ExternalEvent) GetType() EventType {
	return ExternalEventReceived
}

func NewExternalEvent(id, subject string, payload map[string]any) ExternalEvent {
	return ExternalEvent{
		ID:        id,
		Subject:   subject,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
