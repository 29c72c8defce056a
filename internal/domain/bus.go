package domain

import (
	"context"
	"time"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (community) or NATS (pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

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
	Type string `mapstructure:"type" json:"type"`

	// Channel settings (community tier)
	ChannelBufferSize int `mapstructure:"channel_buffer_size" json:"channelBufferSize"`

	// NATS settings (pro tier)
	NATSUrl           string `mapstructure:"nats_url" json:"natsUrl"`
	NATSToken         string `mapstructure:"nats_token" json:"-"`
	NATSMaxReconnects int    `mapstructure:"nats_max_reconnects" json:"natsMaxReconnects"`
	NATSReconnectWait int    `mapstructure:"nats_reconnect_wait" json:"natsReconnectWait"` // seconds
}

// Topic names used by the scoring pipeline.
const (
	TopicTransactionSubmitted = "ueba.transaction.submitted"
	TopicTransactionScored    = "ueba.transaction.scored"
	TopicAlert                = "ueba.alert"
	TopicProfileRefreshed     = "ueba.profile.refreshed"
)

// ScoredEvent is published after a scored transaction has been inserted.
type ScoredEvent struct {
	Transaction *Transaction `json:"transaction"`
	Decision    *Decision    `json:"decision"`
}

// ProfileRefreshedEvent is published after a user's baseline was patched.
type ProfileRefreshedEvent struct {
	UserID      string      `json:"user_id"`
	Profile     UserProfile `json:"profile"`
	TxCount     int         `json:"tx_count"`
	RefreshedAt time.Time   `json:"refreshed_at"`
}
