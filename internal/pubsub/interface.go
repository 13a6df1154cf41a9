// Package pubsub provides the broker interface used for cross-instance
// event delivery. Realtime fan-out always happens locally; the broker only
// carries events between processes so a future multi-instance deployment
// is a configuration change, not a redesign.
package pubsub

import (
	"context"
)

// Message represents a pub/sub message
type Message struct {
	// Channel is the channel the message was published to
	Channel string `json:"channel"`

	// Payload is the message content
	Payload []byte `json:"payload"`
}

// PubSub is the interface for pub/sub backends.
// Implementations should handle concurrent access safely.
type PubSub interface {
	// Publish sends a message to all subscribers of a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel that receives messages published to the given channel.
	// The returned channel is closed when the context is cancelled or Close is called.
	// Multiple calls to Subscribe with the same channel create independent subscriptions.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)

	// Close releases all resources and closes all subscriptions.
	Close() error
}

// DropCounter is implemented by backends that count messages lost to full
// subscriber queues
type DropCounter interface {
	Dropped() uint64
}

// BroadcastChannel carries channel fan-out envelopes between instances
const BroadcastChannel = "sobranie:broadcast"

// SystemChannel carries system messages destined for every event stream
const SystemChannel = "sobranie:system"

// SubjectChannel returns the broker channel carrying events for one subject's
// event streams (feed updates, pushed notifications).
func SubjectChannel(subjectID string) string {
	return "sobranie:subject:" + subjectID
}
