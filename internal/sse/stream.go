package sse

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sobranie-app/realtime/internal/database"
	"github.com/sobranie-app/realtime/internal/observability"
	"github.com/sobranie-app/realtime/internal/pubsub"
)

// NotificationSource loads notifications for a stream (allows mocking in tests)
type NotificationSource interface {
	CountUnread(ctx context.Context, userID string) (int, error)
	ListRecentUnread(ctx context.Context, userID string, limit int) ([]database.Notification, error)
	ListCreatedSince(ctx context.Context, userID string, since time.Time) ([]database.Notification, error)
}

// MessageCounter reports unread direct messages. Optional; streams without
// one report zero.
type MessageCounter interface {
	CountUnreadMessages(ctx context.Context, userID string) (int, error)
}

// brokerEvent is the envelope other services publish to push events into
// a live stream
type brokerEvent struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type flusher interface {
	Flush() error
}

// SessionConfig carries a stream session's collaborators and timings
type SessionConfig struct {
	Source            NotificationSource
	Messages          MessageCounter
	Broker            pubsub.PubSub
	Metrics           *observability.Metrics
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	SnapshotLimit     int
}

// Session is one live SSE stream for a subject. It replays a snapshot of
// unread notifications, then pushes new notifications as they arrive, plus
// feed and system events injected through the broker.
type Session struct {
	subjectID string
	cfg       SessionConfig
}

// NewSession creates a stream session for a subject
func NewSession(subjectID string, cfg SessionConfig) *Session {
	return &Session{subjectID: subjectID, cfg: cfg}
}

// Run writes the stream to w until the context is cancelled or the client
// goes away. Write errors end the stream silently; the client is gone.
func (s *Session) Run(ctx context.Context, w io.Writer) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("user_id", s.subjectID).
				Msg("Recovered panic in event stream")
		}
	}()

	s.cfg.Metrics.SSEStreamOpened()
	defer s.cfg.Metrics.SSEStreamClosed()

	log.Info().Str("user_id", s.subjectID).Msg("SSE stream opened")
	defer log.Info().Str("user_id", s.subjectID).Msg("SSE stream closed")

	if err := s.emit(w, EventConnected, ConnectedPayload{
		UserID:    s.subjectID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return
	}

	if err := s.emitUnreadCount(ctx, w); err != nil {
		return
	}
	if err := s.emitSnapshot(ctx, w); err != nil {
		return
	}

	var subjectEvents, systemEvents <-chan pubsub.Message
	if s.cfg.Broker != nil {
		var err error
		subjectEvents, err = s.cfg.Broker.Subscribe(ctx, pubsub.SubjectChannel(s.subjectID))
		if err != nil {
			log.Warn().Err(err).Str("user_id", s.subjectID).Msg("Could not subscribe stream to broker")
		}
		systemEvents, err = s.cfg.Broker.Subscribe(ctx, pubsub.SystemChannel)
		if err != nil {
			log.Warn().Err(err).Str("user_id", s.subjectID).Msg("Could not subscribe stream to system channel")
		}
	}

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	lastPoll := time.Now()
	for {
		select {
		case <-ctx.Done():
			return

		case <-poll.C:
			pollStart := time.Now()
			fresh, err := s.cfg.Source.ListCreatedSince(ctx, s.subjectID, lastPoll)
			if err != nil {
				log.Warn().Err(err).Str("user_id", s.subjectID).Msg("Notification poll failed")
				continue
			}
			lastPoll = pollStart
			for _, n := range fresh {
				if err := s.emit(w, EventNotification, notificationPayload(n)); err != nil {
					return
				}
			}
			if len(fresh) > 0 {
				if err := s.emitUnreadCount(ctx, w); err != nil {
					return
				}
			}

		case <-heartbeat.C:
			if err := writeHeartbeat(w); err != nil {
				return
			}
			if err := s.flush(w); err != nil {
				return
			}

		case msg, ok := <-subjectEvents:
			if !ok {
				subjectEvents = nil
				continue
			}
			if err := s.emitBrokerEvent(w, msg); err != nil {
				return
			}

		case msg, ok := <-systemEvents:
			if !ok {
				systemEvents = nil
				continue
			}
			if err := s.emitBrokerEvent(w, msg); err != nil {
				return
			}
		}
	}
}

// emitSnapshot replays the most recent unread notifications, newest first
func (s *Session) emitSnapshot(ctx context.Context, w io.Writer) error {
	recent, err := s.cfg.Source.ListRecentUnread(ctx, s.subjectID, s.cfg.SnapshotLimit)
	if err != nil {
		log.Warn().Err(err).Str("user_id", s.subjectID).Msg("Could not load notification snapshot")
		return nil
	}
	for _, n := range recent {
		if err := s.emit(w, EventNotification, notificationPayload(n)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) emitUnreadCount(ctx context.Context, w io.Writer) error {
	notifications, err := s.cfg.Source.CountUnread(ctx, s.subjectID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", s.subjectID).Msg("Could not count unread notifications")
		return nil
	}
	messages := 0
	if s.cfg.Messages != nil {
		if messages, err = s.cfg.Messages.CountUnreadMessages(ctx, s.subjectID); err != nil {
			log.Warn().Err(err).Str("user_id", s.subjectID).Msg("Could not count unread messages")
			messages = 0
		}
	}
	return s.emit(w, EventUnreadCount, UnreadCountPayload{
		Notifications: notifications,
		Messages:      messages,
		Total:         notifications + messages,
	})
}

// emitBrokerEvent forwards an event another service pushed through the broker
func (s *Session) emitBrokerEvent(w io.Writer, msg pubsub.Message) error {
	var env brokerEvent
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		log.Warn().Err(err).Str("channel", msg.Channel).Msg("Discarding malformed stream event")
		return nil
	}
	switch env.Event {
	case EventNotification, EventFeedUpdate, EventUnreadCount, EventSystemMessage:
	default:
		log.Warn().Str("event", string(env.Event)).Msg("Discarding stream event of unknown type")
		return nil
	}
	if err := writeRawEvent(w, env.Event, env.Data); err != nil {
		return err
	}
	s.cfg.Metrics.RecordSSEEvent(string(env.Event))
	return s.flush(w)
}

func (s *Session) emit(w io.Writer, event EventType, data interface{}) error {
	if err := writeEvent(w, event, data); err != nil {
		return err
	}
	s.cfg.Metrics.RecordSSEEvent(string(event))
	return s.flush(w)
}

func (s *Session) flush(w io.Writer) error {
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}
