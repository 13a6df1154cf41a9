// Package client is the Go SDK for the Sobranie realtime service. It wraps
// the WebSocket protocol in a reconnecting client that replays channel
// subscriptions after every reconnect, and provides a matching reader for
// the SSE notification stream.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event is a server-to-client event. Data stays raw; callers decode the
// payloads they care about.
type Event struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// frame is a client-to-server frame
type frame struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrNotConnected is returned by send operations while the client is
// between connections
var ErrNotConnected = errors.New("client is not connected")

// Options configures a Client
type Options struct {
	// URL is the WebSocket endpoint, e.g. wss://host/realtime/ws
	URL string
	// Token is the bearer token presented on connect
	Token string

	// PingInterval defaults to 30s
	PingInterval time.Duration
	// BackoffMin defaults to 1s, BackoffMax to 30s
	BackoffMin time.Duration
	BackoffMax time.Duration

	// Logger defaults to the global zerolog logger
	Logger *zerolog.Logger

	// OnConnect fires after every successful connect, including reconnects
	OnConnect func()
	// OnDisconnect fires when an established connection drops
	OnDisconnect func(err error)
	// OnEvent receives every server event
	OnEvent func(Event)

	// Typed callbacks, dispatched in addition to OnEvent
	OnMessage  func(channel string, data json.RawMessage)
	OnTyping   func(channel string, data json.RawMessage)
	OnPresence func(data json.RawMessage)
	OnError    func(data json.RawMessage)
}

// Client is a reconnecting WebSocket client. Subscriptions survive
// reconnects: the client tracks the desired channel set and replays it
// every time a connection is established.
type Client struct {
	opts   Options
	logger zerolog.Logger

	// writeMu serializes frame writes across the API and the ping loop
	writeMu sync.Mutex

	mu sync.Mutex
	// desired maps channel name to the last seen message id, empty when
	// resuming from nothing
	desired   map[string]string
	conn      *websocket.Conn
	connected bool
	stopping  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a client. Connect starts it.
func New(opts Options) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		opts:    opts,
		logger:  logger,
		desired: make(map[string]string),
	}
}

// Connect starts the connection loop. It returns immediately; connection
// state is reported through the OnConnect and OnDisconnect callbacks.
func (c *Client) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.stopping = false
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(ctx)
	}()
}

// Disconnect closes the connection with a normal closure and stops the
// reconnect loop
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopping = true
	conn := c.conn
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Subscribe adds a channel to the desired set. If connected, the subscribe
// frame is sent immediately; either way the channel is replayed after every
// reconnect.
func (c *Client) Subscribe(channel string) error {
	return c.SubscribeFrom(channel, "")
}

// SubscribeFrom subscribes with a resume point. Messages published after
// lastMessageID are replayed on subscribe; an empty id means no replay.
func (c *Client) SubscribeFrom(channel, lastMessageID string) error {
	c.mu.Lock()
	c.desired[channel] = lastMessageID
	conn := c.activeConn()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.writeJSON(conn, subscribeFrame(channel, lastMessageID))
}

func subscribeFrame(channel, lastMessageID string) frame {
	f := frame{Type: "subscribe", Channel: channel}
	if lastMessageID != "" {
		f.Data = map[string]string{"lastMessageId": lastMessageID}
	}
	return f
}

// Unsubscribe removes a channel from the desired set
func (c *Client) Unsubscribe(channel string) error {
	c.mu.Lock()
	delete(c.desired, channel)
	conn := c.activeConn()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.writeJSON(conn, frame{Type: "unsubscribe", Channel: channel})
}

// Subscriptions returns the desired channel set
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.desired))
	for ch := range c.desired {
		out = append(out, ch)
	}
	return out
}

// SendMessage sends a chat message to a channel
func (c *Client) SendMessage(channel, text string, replyTo *string) error {
	return c.send(frame{Type: "message", Channel: channel, Data: map[string]interface{}{
		"text":    text,
		"replyTo": replyTo,
	}})
}

// SendTyping reports a typing state change on a channel
func (c *Client) SendTyping(channel string, isTyping bool) error {
	return c.send(frame{Type: "typing", Channel: channel, Data: map[string]bool{
		"isTyping": isTyping,
	}})
}

// UpdatePresence sets the caller's visible status (online, away, busy,
// offline)
func (c *Client) UpdatePresence(status string) error {
	return c.send(frame{Type: "presence", Data: map[string]string{
		"status": status,
	}})
}

// IsConnected reports whether a connection is currently established
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) send(f frame) error {
	c.mu.Lock()
	conn := c.activeConn()
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeJSON(conn, f)
}

// activeConn must be called with c.mu held
func (c *Client) activeConn() *websocket.Conn {
	if !c.connected {
		return nil
	}
	return c.conn
}

func (c *Client) writeJSON(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// run is the connection loop: dial, serve, back off, repeat
func (c *Client) run(ctx context.Context) {
	bo := newBackoff(c.opts.BackoffMin, c.opts.BackoffMax)

	for {
		if ctx.Err() != nil || c.isStopping() {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			delay := bo.next()
			c.logger.Warn().Err(err).Int("attempt", bo.attempts).Dur("retry_in", delay).Msg("Realtime connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		bo.reset()
		c.onOpen(conn)

		err = c.serve(ctx, conn)
		c.onClosed(err)

		if ctx.Err() != nil || c.isStopping() {
			return
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			// The server closed us deliberately
			c.logger.Info().Msg("Realtime connection closed normally, not reconnecting")
			return
		}

		delay := bo.next()
		c.logger.Warn().Err(err).Int("attempt", bo.attempts).Dur("retry_in", delay).Msg("Realtime connection lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// onOpen records the new connection and replays the desired subscriptions
func (c *Client) onOpen(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	desired := make(map[string]string, len(c.desired))
	for ch, last := range c.desired {
		desired[ch] = last
	}
	c.mu.Unlock()

	for ch, last := range desired {
		if err := c.writeJSON(conn, subscribeFrame(ch, last)); err != nil {
			c.logger.Warn().Err(err).Str("channel", ch).Msg("Subscription replay failed")
			break
		}
	}

	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}
}

func (c *Client) onClosed(err error) {
	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(err)
	}
}

// serve reads events until the connection fails, pinging on an interval to
// keep the server's idle sweep away
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := c.writeJSON(conn, frame{Type: "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			_ = conn.Close()
			return err
		}
		c.dispatch(event)
	}
}

// dispatch fans an event out to OnEvent and the matching typed callback
func (c *Client) dispatch(event Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(event)
	}
	switch event.Type {
	case "message":
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(event.Channel, event.Data)
		}
	case "typing":
		if c.opts.OnTyping != nil {
			c.opts.OnTyping(event.Channel, event.Data)
		}
	case "presence":
		if c.opts.OnPresence != nil {
			c.opts.OnPresence(event.Data)
		}
	case "error":
		if c.opts.OnError != nil {
			c.opts.OnError(event.Data)
		}
	}
}

func (c *Client) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}
