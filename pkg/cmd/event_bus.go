package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/sandflow/pkg/channels/gochannel"
	"github.com/dukex/sandflow/pkg/channels/kafka"
	"github.com/dukex/sandflow/pkg/eventbus"
)

const serviceName = "sandflow"

// NewEventBus creates the event bus for provider. gochannel keeps events in
// process; kafka connects to the comma-separated brokers.
func NewEventBus(provider, brokers string, logger *slog.Logger) (eventbus.EventBus, error) {
	switch provider {
	case "", "gochannel":
		pubSub := gochannel.CreateChannel(logger)

		return eventbus.NewWatermillEventBus(pubSub, pubSub, logger), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(logger, kafka.ParseBrokers(brokers), serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider %q", provider)
	}
}
