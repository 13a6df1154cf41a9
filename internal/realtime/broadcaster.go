package realtime

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/sobranie-app/realtime/internal/observability"
	"github.com/sobranie-app/realtime/internal/pubsub"
)

// globalEnvelope carries an event across instances through the broker
type globalEnvelope struct {
	Channel   string `json:"channel"`
	Event     Event  `json:"event"`
	ExcludeID string `json:"excludeId,omitempty"`
}

// Broadcaster fans events out to channel members. Local delivery walks the
// registry; global delivery goes through the pubsub broker so every instance
// delivers to its own connections.
type Broadcaster struct {
	registry *Registry
	broker   pubsub.PubSub
	metrics  *observability.Metrics
	cancel   context.CancelFunc
}

// NewBroadcaster creates a broadcaster over the given registry and broker.
// A nil broker is allowed and keeps all delivery local to this instance.
func NewBroadcaster(registry *Registry, broker pubsub.PubSub) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		broker:   broker,
	}
}

// SetMetrics attaches metrics collection. Safe to skip; all recording
// is nil-tolerant.
func (b *Broadcaster) SetMetrics(m *observability.Metrics) {
	b.metrics = m
}

// Publish delivers an event to every local member of a channel, skipping
// excludeConnID when non-empty. A failed write never blocks delivery to the
// remaining members. Returns the number of successful deliveries.
func (b *Broadcaster) Publish(channel string, event Event, excludeConnID string) int {
	delivered := 0
	for _, conn := range b.registry.MembersOf(channel) {
		if excludeConnID != "" && conn.ID == excludeConnID {
			continue
		}
		if err := conn.Send(event); err != nil {
			log.Debug().
				Err(err).
				Str("connection_id", conn.ID).
				Str("channel", channel).
				Msg("Dropping event for unwritable connection")
			b.metrics.RecordRealtimeError("write_failed")
			continue
		}
		delivered++
	}
	b.metrics.RecordRealtimeMessage(string(event.Type))
	return delivered
}

// PublishToSubject delivers an event to every connection of a subject on
// this instance. Used for targeted notifications.
func (b *Broadcaster) PublishToSubject(subjectID string, event Event) int {
	delivered := 0
	for _, conn := range b.registry.ConnectionsOf(subjectID) {
		if err := conn.Send(event); err != nil {
			b.metrics.RecordRealtimeError("write_failed")
			continue
		}
		delivered++
	}
	return delivered
}

// PublishGlobal publishes an event through the broker. Every instance,
// including this one, receives it on the broadcast channel and delivers it
// to its local members. Without a broker, delivery happens directly and
// stays on this instance.
func (b *Broadcaster) PublishGlobal(ctx context.Context, channel string, event Event, excludeConnID string) error {
	if b.broker == nil {
		b.Publish(channel, event, excludeConnID)
		return nil
	}
	payload, err := json.Marshal(globalEnvelope{
		Channel:   channel,
		Event:     event,
		ExcludeID: excludeConnID,
	})
	if err != nil {
		return err
	}
	return b.broker.Publish(ctx, pubsub.BroadcastChannel, payload)
}

// Start begins consuming the broker broadcast channel. Call Stop to end
// the consume loop.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.broker == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	messages, err := b.broker.Subscribe(ctx, pubsub.BroadcastChannel)
	if err != nil {
		cancel()
		return err
	}

	go func() {
		for msg := range messages {
			var env globalEnvelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				log.Warn().Err(err).Msg("Discarding malformed broadcast envelope")
				continue
			}
			b.Publish(env.Channel, env.Event, env.ExcludeID)
		}
	}()

	return nil
}

// Stop ends the broker consume loop
func (b *Broadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}
