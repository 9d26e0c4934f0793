package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/sandflow/pkg/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger

	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *WatermillEventBus {
	if logger == nil {
		logger = slog.Default()
	}

	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		logger:        logger.With("module", "event_bus"),
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, subject string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.GetType(), err)
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.SubjectMetadataKey, subject)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))

	eb.logger.DebugContext(ctx, "Publishing event", "subject", subject, "event_type", event.GetType())

	if err := eb.publisher.Publish(topicFor(event.GetType()), msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	return nil
}

// Subscribe starts consuming every topic that has at least one handler.
// Handlers must be registered before Subscribe is called.
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	eb.mu.RLock()

	topics := map[string]struct{}{}
	for eventType := range eb.subscriptions {
		topics[topicFor(eventType)] = struct{}{}
	}

	eb.mu.RUnlock()

	for topic := range topics {
		messages, err := eb.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}

		go eb.consume(ctx, messages)
	}

	return nil
}

func (eb *WatermillEventBus) consume(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

		eb.mu.RLock()
		handler, exists := eb.subscriptions[eventType]
		eb.mu.RUnlock()

		if !exists {
			msg.Ack()

			continue
		}

		event, known := newEvent(eventType)
		if !known {
			eb.logger.WarnContext(ctx, "Dropping event of unknown type", "event_type", eventType)
			msg.Ack()

			continue
		}

		if err := json.Unmarshal(msg.Payload, event); err != nil {
			eb.logger.ErrorContext(ctx, "Dropping malformed event", "event_type", eventType, "error", err)
			msg.Ack()

			continue
		}

		msgCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))

		if err := handler(msgCtx, event); err != nil {
			eb.logger.ErrorContext(msgCtx, "Event handler failed",
				"event_type", eventType,
				"subject", msg.Metadata.Get(events.SubjectMetadataKey),
				"error", err)
			msg.Nack()

			continue
		}

		msg.Ack()
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}

func topicFor(eventType events.EventType) string {
	if eventType == events.ExternalEventReceived {
		return events.ExternalTopic
	}

	return events.Topic
}

func newEvent(eventType events.EventType) (any, bool) {
	switch eventType {
	case events.ExternalEventReceived:
		return &events.ExternalEvent{}, true
	case events.RunStartedEvent:
		return &events.RunStarted{}, true
	case events.RunSucceededEvent, events.RunFailedEvent, events.RunCancelledEvent:
		return &events.RunCompleted{}, true
	case events.AgentRunAwaitingApprovalEvent, events.AgentRunApprovedEvent, events.AgentRunRejectedEvent:
		return &events.AgentRunApproval{}, true
	default:
		return nil, false
	}
}
