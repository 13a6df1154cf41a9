package api

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sobranie-app/realtime/internal/config"
	"github.com/sobranie-app/realtime/internal/pubsub"
)

var (
	testServerOnce sync.Once
	testServer     *Server
)

// sharedTestServer reuses one server because the metrics collectors register
// against the global Prometheus registry
func sharedTestServer(t *testing.T) *Server {
	t.Helper()
	testServerOnce.Do(func() {
		cfg := &config.Config{
			Server: config.ServerConfig{
				Address:      ":0",
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  60 * time.Second,
			},
			Auth: config.AuthConfig{
				JWTSecret:    "test-secret-key-for-api-tests",
				Issuer:       "sobranie",
				ServiceToken: "service-token-for-tests",
			},
			Realtime: config.RealtimeConfig{
				MaxMessageLength: 1000,
				SweepInterval:    30 * time.Second,
				IdleTimeout:      60 * time.Second,
			},
			SSE: config.SSEConfig{
				PollInterval:      5 * time.Second,
				HeartbeatInterval: 30 * time.Second,
				SnapshotLimit:     5,
			},
		}
		testServer = NewServer(cfg, nil, pubsub.NewLocalPubSub())
	})
	return testServer
}

func TestServer_Health(t *testing.T) {
	s := sharedTestServer(t)

	resp, err := s.app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestServer_Stats(t *testing.T) {
	s := sharedTestServer(t)

	resp, err := s.app.Test(httptest.NewRequest("GET", "/api/v1/realtime/stats", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var stats map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Contains(t, stats, "connections")
	assert.Contains(t, stats, "channels")
	assert.Contains(t, stats, "subscriptions")
	assert.Contains(t, stats, "online_users")
}

func TestServer_WebSocketRequiresUpgrade(t *testing.T) {
	s := sharedTestServer(t)

	resp, err := s.app.Test(httptest.NewRequest("GET", "/realtime/ws", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestServer_StreamRequiresAuth(t *testing.T) {
	s := sharedTestServer(t)

	t.Run("missing token", func(t *testing.T) {
		resp, err := s.app.Test(httptest.NewRequest("GET", "/realtime/events", nil))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("garbage token", func(t *testing.T) {
		resp, err := s.app.Test(httptest.NewRequest("GET", "/realtime/events?token=garbage", nil))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})
}

func TestServer_Broadcast(t *testing.T) {
	s := sharedTestServer(t)

	broadcast := func(token, body string) int {
		t.Helper()
		req := httptest.NewRequest("POST", "/api/v1/realtime/broadcast", strings.NewReader(body))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		if token != "" {
			req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
		}
		resp, err := s.app.Test(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	t.Run("rejects missing token", func(t *testing.T) {
		assert.Equal(t, fiber.StatusUnauthorized, broadcast("", `{"channel":"circle:42","type":"message"}`))
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		assert.Equal(t, fiber.StatusUnauthorized, broadcast("wrong", `{"channel":"circle:42","type":"message"}`))
	})

	t.Run("rejects missing channel", func(t *testing.T) {
		assert.Equal(t, fiber.StatusBadRequest, broadcast("service-token-for-tests", `{"type":"message"}`))
	})

	t.Run("rejects missing type", func(t *testing.T) {
		assert.Equal(t, fiber.StatusBadRequest, broadcast("service-token-for-tests", `{"channel":"circle:42"}`))
	})

	t.Run("accepts a valid broadcast", func(t *testing.T) {
		assert.Equal(t, fiber.StatusAccepted, broadcast("service-token-for-tests", `{"channel":"circle:42","type":"message","data":{"text":"hi"}}`))
	})
}
