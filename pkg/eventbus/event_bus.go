// Package eventbus provides event-driven communication infrastructure for workflow orchestration.
package eventbus

import (
	"context"

	"github.com/dukex/sandflow/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

// EventPublisher publishes an event on a dot-separated subject.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a pointer to the decoded event. Returning an error
// nacks the message so the transport may redeliver it.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
