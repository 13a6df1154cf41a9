package sse

import (
	"bufio"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"github.com/sobranie-app/realtime/internal/auth"
)

// TokenValidator validates access tokens (allows mocking in tests)
type TokenValidator interface {
	ValidateToken(token string) (*auth.TokenClaims, error)
}

// Handler serves the event stream endpoint
type Handler struct {
	validator TokenValidator
	cfg       SessionConfig
}

// NewHandler creates an SSE handler
func NewHandler(validator TokenValidator, cfg SessionConfig) *Handler {
	return &Handler{validator: validator, cfg: cfg}
}

// HandleStream authenticates the request and hands the response body over
// to a stream session. EventSource cannot set headers, so the token query
// parameter is accepted alongside the Authorization header.
func (h *Handler) HandleStream(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		log.Debug().Err(err).Msg("SSE token rejected")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired token",
		})
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	// Tell nginx not to buffer the stream
	c.Set("X-Accel-Buffering", "no")

	session := NewSession(claims.UserID, h.cfg)
	reqCtx := c.Context()
	reqCtx.SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		session.Run(reqCtx, w)
	}))
	return nil
}

func bearerToken(c *fiber.Ctx) string {
	if header := c.Get(fiber.HeaderAuthorization); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
	}
	return c.Query("token")
}
