// Package broker provides the message broker abstraction used by the
// scheduling pipeline. Delivery is at-least-once; consumers are expected to
// be idempotent.
package broker

import (
	"context"
	"time"
)

// Topics used by the scheduling pipeline.
const (
	TopicTaskScheduled    = "task.scheduled"
	TopicTaskStatusUpdate = "task.status_update"
)

// Message is a JSON-serializable broker payload.
type Message map[string]interface{}

// Handler is a function that handles a consumed message.
type Handler func(ctx context.Context, msg Message) error

// Subscription represents an active consumer registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Broker is the capability contract for publish/consume messaging.
type Broker interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, msg Message) error

	// PublishDelayed sends a message to a topic after the given delay.
	// The delay is best-effort.
	PublishDelayed(ctx context.Context, topic string, msg Message, delay time.Duration) error

	// Consume registers a handler for a topic. Messages are delivered
	// one at a time per subscription.
	Consume(topic string, handler Handler) (Subscription, error)

	// Close closes the broker connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
