package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FrameType identifies an inbound protocol frame
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameMessage     FrameType = "message"
	FrameTyping      FrameType = "typing"
	FramePresence    FrameType = "presence"
	FramePing        FrameType = "ping"
)

// EventType identifies an outbound event
type EventType string

const (
	EventSubscribed   EventType = "subscribed"
	EventUnsubscribed EventType = "unsubscribed"
	EventMessage      EventType = "message"
	EventTyping       EventType = "typing"
	EventPresence     EventType = "presence"
	EventPong         EventType = "pong"
	EventError        EventType = "error"
	EventPing         EventType = "ping"
)

// Error codes reported in error events
const (
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeInvalidFrame  = "INVALID_FRAME"
	CodeValidation    = "VALIDATION"
	CodeNotSubscribed = "NOT_SUBSCRIBED"
	CodeForbidden     = "FORBIDDEN"
	CodeInternal      = "INTERNAL"
)

// PresenceStatus is a subject's externally visible status
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// IsValid reports whether the status is one of the protocol's four values
func (s PresenceStatus) IsValid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// InboundFrame is the envelope for every client-to-server frame.
// Data is decoded per frame type; unknown shapes are rejected with an
// INVALID_FRAME error rather than dropped.
type InboundFrame struct {
	Type    FrameType       `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SubscribeData carries optional resume information for a subscribe frame
type SubscribeData struct {
	LastMessageID string `json:"lastMessageId,omitempty"`
}

// MessageData is the payload of an inbound chat message frame
type MessageData struct {
	Text    string  `json:"text"`
	ReplyTo *string `json:"replyTo,omitempty"`
}

// TypingData is the payload of a typing indicator frame
type TypingData struct {
	IsTyping bool `json:"isTyping"`
}

// PresenceData is the payload of an explicit status frame
type PresenceData struct {
	Status PresenceStatus `json:"status"`
}

// ValidateMessageText enforces the protocol's text length constraint.
// The limit is inclusive; maxLen is configurable but defaults to 1000.
func ValidateMessageText(text string, maxLen int) error {
	n := len([]rune(text))
	if n < 1 {
		return fmt.Errorf("text must not be empty")
	}
	if n > maxLen {
		return fmt.Errorf("text must be at most %d characters", maxLen)
	}
	return nil
}

// Event is the envelope for every server-to-client frame. Events are
// immutable once constructed and broadcast by value.
type Event struct {
	Type    EventType   `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// MessagePayload is the body of an outbound chat message event
type MessagePayload struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	Text      string      `json:"text"`
	ReplyTo   *string     `json:"replyTo,omitempty"`
	CreatedAt string      `json:"createdAt"`
	User      interface{} `json:"user,omitempty"`
}

// TypingPayload is the body of an outbound typing event
type TypingPayload struct {
	UserID   string      `json:"userId"`
	IsTyping bool        `json:"isTyping"`
	User     interface{} `json:"user,omitempty"`
}

// PresencePayload is the body of an outbound presence event
type PresencePayload struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen string         `json:"lastSeen,omitempty"`
}

// ErrorPayload is the body of an outbound error event
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewSubscribedEvent acknowledges a subscription
func NewSubscribedEvent(channel string) Event {
	return Event{
		Type:    EventSubscribed,
		Channel: channel,
		Data: map[string]string{
			"subscribedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// NewUnsubscribedEvent acknowledges an unsubscription
func NewUnsubscribedEvent(channel string) Event {
	return Event{Type: EventUnsubscribed, Channel: channel}
}

// NewMessageEvent wraps a chat message for broadcast
func NewMessageEvent(channel string, payload MessagePayload) Event {
	return Event{Type: EventMessage, Channel: channel, Data: payload}
}

// NewTypingEvent wraps a typing indicator for broadcast
func NewTypingEvent(channel string, payload TypingPayload) Event {
	return Event{Type: EventTyping, Channel: channel, Data: payload}
}

// NewPresenceEvent wraps a presence change for broadcast
func NewPresenceEvent(payload PresencePayload) Event {
	return Event{Type: EventPresence, Data: payload}
}

// NewPongEvent answers a ping with the current server time in epoch millis
func NewPongEvent() Event {
	return Event{
		Type: EventPong,
		Data: map[string]int64{"timestamp": time.Now().UnixMilli()},
	}
}

// NewErrorEvent reports a protocol error without closing the connection
func NewErrorEvent(code, message string) Event {
	return Event{
		Type: EventError,
		Data: ErrorPayload{Code: code, Message: message},
	}
}

// NewPingEvent is sent by the idle sweep to force a liveness check
func NewPingEvent() Event {
	return Event{Type: EventPing}
}

// PrivateChannel returns a subject's private channel name. Every connection
// is implicitly subscribed to its own private channel on open.
func PrivateChannel(subjectID string) string {
	return "user:" + subjectID
}

// privateChannelOwner extracts the owning subject from a private channel
// name. Non-private channels return ok=false.
func privateChannelOwner(channel string) (owner string, ok bool) {
	return strings.CutPrefix(channel, "user:")
}

// PresenceChannel is the global channel carrying presence change events
const PresenceChannel = "presence"
