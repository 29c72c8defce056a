package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/ueba/internal/domain"
	"github.com/opensource-finance/ueba/internal/metrics"
)

// New creates an event bus from configuration: channel (community) or nats (pro).
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("%w: unsupported event bus type: %s", domain.ErrConfiguration, cfg.Type)
	}
}

// PublishJSON encodes v and publishes it on topic, recording the outcome.
// A nil bus is a no-op.
func PublishJSON(ctx context.Context, b domain.EventBus, topic string, v any) error {
	if b == nil {
		return nil
	}

	payload, err := json.Marshal(v)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(topic, "error").Inc()
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}

	if err := b.Publish(ctx, topic, payload); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(topic, "error").Inc()
		return err
	}
	metrics.EventsPublishedTotal.WithLabelValues(topic, "ok").Inc()
	return nil
}
