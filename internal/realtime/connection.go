package realtime

import (
	"sync"
	"time"
)

// Wire is the transport surface a connection writes to. The concrete type is
// a *websocket.Conn; tests substitute a recording implementation.
type Wire interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Connection is one live client connection. The registry holds a non-owning
// reference keyed by connection id; the session goroutine owns the underlying
// socket. The subscription set is mutated only through the registry so the
// channel index and this set cannot diverge.
type Connection struct {
	ID        string
	SubjectID string

	wire          Wire
	subscriptions map[string]struct{}

	// writeMu serializes writes; the websocket transport does not allow
	// concurrent writers.
	writeMu sync.Mutex

	mu           sync.RWMutex
	lastActivity time.Time
}

// NewConnection creates a connection around an accepted transport
func NewConnection(id, subjectID string, wire Wire) *Connection {
	return &Connection{
		ID:            id,
		SubjectID:     subjectID,
		wire:          wire,
		subscriptions: make(map[string]struct{}),
		lastActivity:  time.Now(),
	}
}

// Send writes one event to the client. Safe for concurrent use.
func (c *Connection) Send(event Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.wire.WriteJSON(event)
}

// Close closes the underlying transport
func (c *Connection) Close() error {
	return c.wire.Close()
}

// Touch records inbound activity for the idle sweep
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound frame
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// IsSubscribed reports whether the connection is subscribed to a channel
func (c *Connection) IsSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// Subscriptions returns a snapshot of the subscribed channel names
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// addSubscription and removeSubscription are called by the registry under
// its own lock; conn.mu makes the set safe for concurrent readers.
func (c *Connection) addSubscription(channel string) {
	c.mu.Lock()
	c.subscriptions[channel] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) removeSubscription(channel string) {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}
