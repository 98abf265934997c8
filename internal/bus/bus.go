package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/claimscore/internal/domain"
)

// New creates a new event bus based on configuration.
// "channel" keeps events in process; "nats" shares them across replicas.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return b.Publish(ctx, topic, payload)
}
