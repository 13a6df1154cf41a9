package realtime

import (
	"context"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sobranie-app/realtime/internal/auth"
)

// TokenValidator validates access tokens (allows mocking in tests)
type TokenValidator interface {
	ValidateToken(token string) (*auth.TokenClaims, error)
}

// Handler upgrades HTTP requests to WebSocket sessions
type Handler struct {
	validator  TokenValidator
	sessionCfg SessionConfig
}

// NewHandler creates a WebSocket handler
func NewHandler(validator TokenValidator, sessionCfg SessionConfig) *Handler {
	return &Handler{
		validator:  validator,
		sessionCfg: sessionCfg,
	}
}

// HandleWebSocket handles WebSocket upgrade and authentication. The token is
// taken from the Authorization header or, for browser clients that cannot
// set headers on WebSocket requests, the token query parameter. Clients that
// fail authentication are upgraded, told why, and closed with policy
// violation (1008) so they do not retry blindly.
func (h *Handler) HandleWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	token := bearerToken(c)
	var subjectID string
	if token != "" {
		claims, err := h.validator.ValidateToken(token)
		if err != nil {
			log.Debug().Err(err).Msg("WebSocket token rejected")
		} else {
			subjectID = claims.UserID
		}
	}

	c.Locals("subject_id", subjectID)

	return websocket.New(h.handleConnection)(c)
}

func bearerToken(c *fiber.Ctx) string {
	if header := c.Get(fiber.HeaderAuthorization); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
	}
	return c.Query("token")
}

// handleConnection drives one accepted WebSocket connection
func (h *Handler) handleConnection(c *websocket.Conn) {
	subjectID, _ := c.Locals("subject_id").(string)
	if subjectID == "" {
		_ = c.WriteJSON(NewErrorEvent(CodeUnauthorized, "authentication required"))
		_ = c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
		_ = c.Close()
		return
	}

	conn := NewConnection(uuid.NewString(), subjectID, c)
	session := NewSession(conn, h.sessionCfg)

	if err := session.Open(); err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", conn.ID).
			Msg("Could not open realtime session")
		_ = c.WriteJSON(NewErrorEvent(CodeInternal, "could not open session"))
		_ = c.Close()
		return
	}
	defer session.Close()

	ctx := context.Background()
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().
					Err(err).
					Str("connection_id", conn.ID).
					Msg("WebSocket read error")
			}
			return
		}
		session.HandleRaw(ctx, raw)
	}
}
