package api

import (
	"crypto/subtle"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/sobranie-app/realtime/internal/realtime"
)

// BroadcastRequest is the body of an internal broadcast call
type BroadcastRequest struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BroadcastHandler lets trusted backend services push events into channels.
// Calls are authenticated with a shared service token, never a user JWT.
type BroadcastHandler struct {
	broadcaster  *realtime.Broadcaster
	serviceToken string
}

// NewBroadcastHandler creates a broadcast handler
func NewBroadcastHandler(broadcaster *realtime.Broadcaster, serviceToken string) *BroadcastHandler {
	return &BroadcastHandler{
		broadcaster:  broadcaster,
		serviceToken: serviceToken,
	}
}

// HandleBroadcast publishes an event to a channel across all instances
func (h *BroadcastHandler) HandleBroadcast(c *fiber.Ctx) error {
	if !h.authorized(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid service token",
		})
	}

	var req BroadcastRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if strings.TrimSpace(req.Channel) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "channel is required",
		})
	}
	if strings.TrimSpace(req.Type) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "type is required",
		})
	}

	event := realtime.Event{
		Type:    realtime.EventType(req.Type),
		Channel: req.Channel,
		Data:    req.Data,
	}
	if err := h.broadcaster.PublishGlobal(c.Context(), req.Channel, event, ""); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "broadcast failed")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued"})
}

func (h *BroadcastHandler) authorized(c *fiber.Ctx) bool {
	if h.serviceToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.serviceToken)) == 1
}
