package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRealtimeServer is a minimal protocol server: it acknowledges
// subscribe frames and records everything it receives.
type testRealtimeServer struct {
	*httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames []frame
	auths  []string
}

func newTestRealtimeServer(t *testing.T) *testRealtimeServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	s := &testRealtimeServer{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.auths = append(s.auths, r.Header.Get("Authorization"))
		s.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, f)
			s.mu.Unlock()

			switch f.Type {
			case "subscribe":
				_ = conn.WriteJSON(Event{Type: "subscribed", Channel: f.Channel})
			case "ping":
				_ = conn.WriteJSON(Event{Type: "pong"})
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

// CloseClientConnections also closes upgraded websocket connections:
// httptest stops tracking a connection once it is hijacked, so the
// embedded method alone never drops them.
func (s *testRealtimeServer) CloseClientConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		// A hard Close can discard frames the client already flushed but
		// the handler has not read yet. An expiring read deadline lets the
		// handler drain those frames, then fails its next read so the
		// connection drops.
		_ = c.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	}
	s.Server.CloseClientConnections()
}

func (s *testRealtimeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *testRealtimeServer) receivedFrames() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func TestClient_ConnectAndSubscribe(t *testing.T) {
	server := newTestRealtimeServer(t)

	events := make(chan Event, 16)
	c := New(Options{
		URL:     server.wsURL(),
		Token:   "test-token",
		OnEvent: func(e Event) { events <- e },
	})
	require.NoError(t, c.Subscribe("circle:42"))

	c.Connect(context.Background())
	defer c.Disconnect()

	select {
	case e := <-events:
		assert.Equal(t, "subscribed", e.Type)
		assert.Equal(t, "circle:42", e.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("never received the subscription acknowledgement")
	}

	s := server
	s.mu.Lock()
	require.NotEmpty(t, s.auths)
	assert.Equal(t, "Bearer test-token", s.auths[0])
	s.mu.Unlock()
}

func TestClient_SendMessage(t *testing.T) {
	server := newTestRealtimeServer(t)

	connected := make(chan struct{}, 1)
	c := New(Options{
		URL:       server.wsURL(),
		OnConnect: func() { connected <- struct{}{} },
	})
	c.Connect(context.Background())
	defer c.Disconnect()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}

	require.NoError(t, c.SendMessage("circle:42", "hello", nil))

	require.Eventually(t, func() bool {
		for _, f := range server.receivedFrames() {
			if f.Type == "message" && f.Channel == "circle:42" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/realtime/ws"})

	err := c.SendMessage("circle:42", "hello", nil)

	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_DesiredSetSurvivesWhileDisconnected(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/realtime/ws"})

	require.NoError(t, c.Subscribe("circle:42"))
	require.NoError(t, c.Subscribe("topic:news"))
	require.NoError(t, c.Unsubscribe("topic:news"))

	assert.Equal(t, []string{"circle:42"}, c.Subscriptions())
	assert.False(t, c.IsConnected())
}

func TestClient_ReplaysSubscriptionsOnReconnect(t *testing.T) {
	server := newTestRealtimeServer(t)

	connects := make(chan struct{}, 4)
	c := New(Options{
		URL:        server.wsURL(),
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
		OnConnect:  func() { connects <- struct{}{} },
	})
	require.NoError(t, c.Subscribe("circle:42"))

	c.Connect(context.Background())
	defer c.Disconnect()

	select {
	case <-connects:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}

	// Drop the connection server-side; the client must reconnect and
	// subscribe again
	server.CloseClientConnections()

	select {
	case <-connects:
	case <-time.After(2 * time.Second):
		t.Fatal("client never reconnected")
	}

	require.Eventually(t, func() bool {
		subscribes := 0
		for _, f := range server.receivedFrames() {
			if f.Type == "subscribe" && f.Channel == "circle:42" {
				subscribes++
			}
		}
		return subscribes >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_SubscribeFromSendsResumePoint(t *testing.T) {
	server := newTestRealtimeServer(t)

	events := make(chan Event, 16)
	c := New(Options{
		URL:     server.wsURL(),
		OnEvent: func(e Event) { events <- e },
	})
	require.NoError(t, c.SubscribeFrom("circle:42", "msg-99"))

	c.Connect(context.Background())
	defer c.Disconnect()

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("never received the subscription acknowledgement")
	}

	frames := server.receivedFrames()
	require.NotEmpty(t, frames)
	assert.Equal(t, "subscribe", frames[0].Type)
	assert.Equal(t, map[string]interface{}{"lastMessageId": "msg-99"}, frames[0].Data)
}

func TestClient_TypedCallbackDispatch(t *testing.T) {
	c := New(Options{
		URL: "ws://127.0.0.1:1/realtime/ws",
	})

	var gotChannel string
	var gotData json.RawMessage
	var errData json.RawMessage
	c.opts.OnMessage = func(channel string, data json.RawMessage) {
		gotChannel = channel
		gotData = data
	}
	c.opts.OnError = func(data json.RawMessage) { errData = data }

	c.dispatch(Event{Type: "message", Channel: "circle:42", Data: json.RawMessage(`{"text":"hi"}`)})
	c.dispatch(Event{Type: "error", Data: json.RawMessage(`{"code":"FORBIDDEN"}`)})
	// Events without a registered callback are ignored
	c.dispatch(Event{Type: "presence", Data: json.RawMessage(`{}`)})

	assert.Equal(t, "circle:42", gotChannel)
	assert.JSONEq(t, `{"text":"hi"}`, string(gotData))
	assert.JSONEq(t, `{"code":"FORBIDDEN"}`, string(errData))
}

func TestClient_FramesMarshalAsProtocolJSON(t *testing.T) {
	raw, err := json.Marshal(frame{Type: "typing", Channel: "circle:42", Data: map[string]bool{"isTyping": true}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"typing","channel":"circle:42","data":{"isTyping":true}}`, string(raw))
}
