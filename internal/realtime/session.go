package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sobranie-app/realtime/internal/database"
	"github.com/sobranie-app/realtime/internal/observability"
)

// ProfileFetcher loads the public profile attached to outgoing messages.
// A nil fetcher, or a fetch error, degrades to events without profile data.
type ProfileFetcher interface {
	FetchUserProfile(ctx context.Context, userID string) (*database.UserProfile, error)
}

// Session drives the protocol for one connection: it owns registration,
// presence notification, and frame dispatch. The transport read loop lives
// in the handler and feeds raw frames through HandleRaw.
type Session struct {
	conn        *Connection
	registry    *Registry
	broadcaster *Broadcaster
	presence    *PresenceTracker
	authorizer  ChannelAuthorizer
	profiles    ProfileFetcher
	metrics     *observability.Metrics

	maxMessageLength int
}

// SessionConfig carries the collaborators a session needs
type SessionConfig struct {
	Registry         *Registry
	Broadcaster      *Broadcaster
	Presence         *PresenceTracker
	Authorizer       ChannelAuthorizer
	Profiles         ProfileFetcher
	Metrics          *observability.Metrics
	MaxMessageLength int
}

// NewSession creates a session for an accepted connection
func NewSession(conn *Connection, cfg SessionConfig) *Session {
	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = AllowAll{}
	}
	return &Session{
		conn:             conn,
		registry:         cfg.Registry,
		broadcaster:      cfg.Broadcaster,
		presence:         cfg.Presence,
		authorizer:       authorizer,
		profiles:         cfg.Profiles,
		metrics:          cfg.Metrics,
		maxMessageLength: cfg.MaxMessageLength,
	}
}

// Open registers the connection and announces presence
func (s *Session) Open() error {
	if err := s.registry.Register(s.conn); err != nil {
		return err
	}
	s.presence.OnConnectionOpened(s.conn.SubjectID)
	log.Info().
		Str("connection_id", s.conn.ID).
		Str("user_id", s.conn.SubjectID).
		Msg("Realtime session opened")
	return nil
}

// Close unregisters the connection and announces presence. Safe to call
// after a failed Open.
func (s *Session) Close() {
	s.registry.Unregister(s.conn.ID)
	s.presence.OnConnectionClosed(s.conn.SubjectID)
	log.Info().
		Str("connection_id", s.conn.ID).
		Str("user_id", s.conn.SubjectID).
		Msg("Realtime session closed")
}

// HandleRaw parses and dispatches one inbound frame. Protocol violations are
// reported to the client as error events and never terminate the session.
func (s *Session) HandleRaw(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("connection_id", s.conn.ID).
				Msg("Recovered panic in frame handler")
			s.metrics.RecordRealtimeError("panic")
			s.sendError(CodeInternal, "internal error")
		}
	}()

	s.conn.Touch()

	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.sendError(CodeInvalidFrame, "malformed frame")
		return
	}
	s.handleFrame(ctx, frame)
}

func (s *Session) handleFrame(ctx context.Context, frame InboundFrame) {
	switch frame.Type {
	case FrameSubscribe:
		s.handleSubscribe(frame)
	case FrameUnsubscribe:
		s.handleUnsubscribe(frame)
	case FrameMessage:
		s.handleMessage(ctx, frame)
	case FrameTyping:
		s.handleTyping(ctx, frame)
	case FramePresence:
		s.handlePresence(frame)
	case FramePing:
		s.send(NewPongEvent())
	default:
		s.sendError(CodeInvalidFrame, "unknown frame type")
	}
}

func (s *Session) handleSubscribe(frame InboundFrame) {
	channel := strings.TrimSpace(frame.Channel)
	if channel == "" {
		s.sendError(CodeValidation, "channel is required")
		return
	}
	if owner, isPrivate := privateChannelOwner(channel); isPrivate && owner != s.conn.SubjectID {
		s.sendError(CodeForbidden, "cannot subscribe to another user's channel")
		return
	}
	if !s.authorizer.CanSubscribe(s.conn.SubjectID, channel) {
		s.sendError(CodeForbidden, "subscription not permitted")
		return
	}
	if err := s.registry.Subscribe(s.conn.ID, channel); err != nil {
		s.sendError(CodeInternal, "subscription failed")
		return
	}
	if len(frame.Data) > 0 {
		var data SubscribeData
		if err := json.Unmarshal(frame.Data, &data); err == nil && data.LastMessageID != "" {
			// Messages are not retained server-side, so there is
			// nothing to replay from the resume point
			log.Debug().
				Str("connection_id", s.conn.ID).
				Str("channel", channel).
				Str("last_message_id", data.LastMessageID).
				Msg("Subscribe resume point ignored, no message retention")
		}
	}
	s.send(NewSubscribedEvent(channel))
}

func (s *Session) handleUnsubscribe(frame InboundFrame) {
	channel := strings.TrimSpace(frame.Channel)
	if channel == "" {
		s.sendError(CodeValidation, "channel is required")
		return
	}
	if err := s.registry.Unsubscribe(s.conn.ID, channel); err != nil {
		s.sendError(CodeInternal, "unsubscribe failed")
		return
	}
	s.send(NewUnsubscribedEvent(channel))
}

func (s *Session) handleMessage(ctx context.Context, frame InboundFrame) {
	channel := strings.TrimSpace(frame.Channel)
	if channel == "" {
		s.sendError(CodeValidation, "channel is required")
		return
	}
	if !s.conn.IsSubscribed(channel) {
		s.sendError(CodeNotSubscribed, "not subscribed to channel")
		return
	}

	var data MessageData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		s.sendError(CodeInvalidFrame, "malformed message data")
		return
	}
	if err := ValidateMessageText(data.Text, s.maxMessageLength); err != nil {
		s.sendError(CodeValidation, err.Error())
		return
	}

	payload := MessagePayload{
		ID:        uuid.NewString(),
		UserID:    s.conn.SubjectID,
		Text:      data.Text,
		ReplyTo:   data.ReplyTo,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		User:      s.fetchProfile(ctx),
	}
	s.broadcaster.Publish(channel, NewMessageEvent(channel, payload), "")
}

func (s *Session) handleTyping(ctx context.Context, frame InboundFrame) {
	channel := strings.TrimSpace(frame.Channel)
	if channel == "" {
		s.sendError(CodeValidation, "channel is required")
		return
	}
	// Typing indicators from non-subscribers are dropped without an error;
	// they race unsubscribe in normal clients
	if !s.conn.IsSubscribed(channel) {
		return
	}

	var data TypingData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		s.sendError(CodeInvalidFrame, "malformed typing data")
		return
	}

	payload := TypingPayload{
		UserID:   s.conn.SubjectID,
		IsTyping: data.IsTyping,
		User:     s.fetchProfile(ctx),
	}
	// The sender already knows it is typing
	s.broadcaster.Publish(channel, NewTypingEvent(channel, payload), s.conn.ID)
}

func (s *Session) handlePresence(frame InboundFrame) {
	var data PresenceData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		s.sendError(CodeInvalidFrame, "malformed presence data")
		return
	}
	if !data.Status.IsValid() {
		s.sendError(CodeValidation, "unknown presence status")
		return
	}
	s.presence.SetStatus(s.conn.SubjectID, data.Status)
}

// fetchProfile returns the sender's profile or nil when unavailable. Profile
// lookup failures must not block message delivery.
func (s *Session) fetchProfile(ctx context.Context) interface{} {
	if s.profiles == nil {
		return nil
	}
	profile, err := s.profiles.FetchUserProfile(ctx, s.conn.SubjectID)
	if err != nil {
		log.Debug().
			Err(err).
			Str("user_id", s.conn.SubjectID).
			Msg("Profile lookup failed, sending event without profile")
		return nil
	}
	return profile
}

func (s *Session) send(event Event) {
	if err := s.conn.Send(event); err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", s.conn.ID).
			Msg("Failed to write event to client")
	}
}

func (s *Session) sendError(code, message string) {
	s.metrics.RecordRealtimeError(code)
	s.send(NewErrorEvent(code, message))
}
