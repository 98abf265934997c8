package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels or NATS.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `yaml:"type"`

	// Channel settings
	ChannelBufferSize int `yaml:"channelBufferSize"`

	// NATS settings
	NATSUrl           string `yaml:"natsUrl"`
	NATSToken         string `yaml:"natsToken"`
	NATSMaxReconnects int    `yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `yaml:"natsReconnectWait"` // seconds

	// NATSQueue, when set, makes replicas share subscriptions so each
	// message is handled once.
	NATSQueue string `yaml:"natsQueue"`
}

// Standard topic names for the claim pipeline.
const (
	TopicClaimsIngested  = "claimscore.claims.ingested"
	TopicClaimsProcessed = "claimscore.claims.processed"
	TopicClaimsAlert     = "claimscore.claims.alert"
	TopicModelPublished  = "claimscore.model.published"

	// TopicModelInfo is a request topic answered with the current bank info.
	TopicModelInfo = "claimscore.model.info"
)

// IngestEvent is the payload on TopicClaimsIngested.
type IngestEvent struct {
	BatchID     string  `json:"batch_id"`
	Source      string  `json:"source"`
	SubmittedBy string  `json:"submitted_by,omitempty"`
	Claims      []Claim `json:"claims"`

	// Rejected records found before publishing, kept on the batch record.
	Rejected []RecordError `json:"rejected,omitempty"`
}

// ProcessedEvent is the payload on TopicClaimsProcessed.
type ProcessedEvent struct {
	BatchID        string `json:"batch_id"`
	Processed      int    `json:"processed"`
	HighRisk       int    `json:"high_risk"`
	ModelVersion   uint64 `json:"model_version"`
	TrainedVersion uint64 `json:"trained_version,omitempty"`
}

// AlertEvent is the payload on TopicClaimsAlert for each high-risk claim.
type AlertEvent struct {
	BatchID   string   `json:"batch_id"`
	ClaimID   string   `json:"claim_id"`
	RiskScore float64  `json:"risk_score"`
	RuleFlags []string `json:"rule_flags"`
}

// ModelEvent is the payload on TopicModelPublished.
type ModelEvent struct {
	Version     uint64 `json:"version"`
	Samples     int    `json:"samples"`
	Positives   int    `json:"positives"`
	Degenerate  bool   `json:"degenerate"`
	TrainedAtMs int64  `json:"trained_at_ms"`
}
