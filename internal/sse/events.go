// Package sse streams notification events to clients over Server-Sent
// Events, for browsers and proxies where WebSockets are unavailable.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sobranie-app/realtime/internal/database"
)

// EventType identifies an outbound SSE event
type EventType string

const (
	EventConnected     EventType = "connected"
	EventNotification  EventType = "notification"
	EventFeedUpdate    EventType = "feed_update"
	EventUnreadCount   EventType = "unread_count"
	EventSystemMessage EventType = "system_message"
)

// ConnectedPayload is sent once when a stream opens
type ConnectedPayload struct {
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

// NotificationPayload is one notification pushed to the client. RelatedType
// tells the client what kind of entity RelatedID points at.
type NotificationPayload struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Title       string  `json:"title"`
	Message     string  `json:"message"`
	RelatedID   *string `json:"relatedId,omitempty"`
	RelatedType string  `json:"relatedType,omitempty"`
	CreatedAt   string  `json:"createdAt"`
}

// UnreadCountPayload carries current unread totals
type UnreadCountPayload struct {
	Notifications int `json:"notifications"`
	Messages      int `json:"messages"`
	Total         int `json:"total"`
}

// relatedTypeFor maps a notification type to the entity kind its related id
// references
func relatedTypeFor(notificationType string) string {
	switch notificationType {
	case "like", "comment", "mention", "post_published":
		return "post"
	case "follow":
		return "user"
	case "circle_invite":
		return "circle"
	default:
		return ""
	}
}

// notificationPayload converts a stored notification to its wire shape
func notificationPayload(n database.Notification) NotificationPayload {
	return NotificationPayload{
		ID:          n.ID,
		Type:        n.Type,
		Title:       n.Title,
		Message:     n.Message,
		RelatedID:   n.RelatedID,
		RelatedType: relatedTypeFor(n.Type),
		CreatedAt:   n.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// writeEvent writes one SSE event frame. The caller flushes.
func writeEvent(w io.Writer, event EventType, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

// writeRawEvent writes an event whose data is already serialized JSON
func writeRawEvent(w io.Writer, event EventType, data json.RawMessage) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// writeHeartbeat writes an SSE comment line that keeps intermediaries from
// timing the stream out
func writeHeartbeat(w io.Writer) error {
	_, err := io.WriteString(w, ": heartbeat\n\n")
	return err
}
