package web

import (
	"log/slog"

	"github.com/dukex/sandflow/pkg/eventbus"
	"github.com/dukex/sandflow/pkg/events"
	"github.com/dukex/sandflow/pkg/trigger"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

const eventIDHeader = "X-Event-ID"

// EventIngest accepts external events over HTTP and publishes them on the
// bus, where the trigger listener picks them up like any other delivery.
type EventIngest struct {
	publisher eventbus.EventPublisher
	logger    *slog.Logger
}

func NewEventIngest(publisher eventbus.EventPublisher, logger *slog.Logger) *EventIngest {
	return &EventIngest{
		publisher: publisher,
		logger:    logger.With("module", "event_ingest"),
	}
}

// Register mounts POST /events/:subject behind limit.
func (i *EventIngest) Register(router fiber.Router, limit fiber.Handler) {
	router.Post("/events/:subject", i.Receive, limit)
}

// Receive publishes the JSON object body as the event payload. The event id
// comes from X-Event-ID so that senders retrying a delivery are deduplicated;
// a random one is used when the header is missing.
func (i *EventIngest) Receive(c fiber.Ctx) error {
	subject := c.Params("subject")
	if err := trigger.ValidateSubject(subject); err != nil {
		return badRequest(c, err.Error())
	}

	payload := map[string]any{}
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&payload); err != nil {
			return badRequest(c, "Event body must be a JSON object")
		}
	}

	eventID := c.Get(eventIDHeader)
	if eventID == "" {
		eventID = uuid.NewString()
	}

	event := events.NewExternalEvent(eventID, subject, payload)
	if err := i.publisher.Publish(c.Context(), subject, event); err != nil {
		i.logger.ErrorContext(c.Context(), "failed to publish external event",
			"subject", subject, "event_id", eventID, "error", err)

		return internalError(c, err)
	}

	i.logger.DebugContext(c.Context(), "external event accepted", "subject", subject, "event_id", eventID)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"event_id": eventID, "subject": subject})
}
