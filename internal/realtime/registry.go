package realtime

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrDuplicateConnection is returned when a connection id is already registered
	ErrDuplicateConnection = errors.New("connection id already registered")
	// ErrConnectionNotFound is returned when a connection id is unknown
	ErrConnectionNotFound = errors.New("connection not found")
)

// Registry tracks every live connection and the channel membership index.
// All subscription mutation goes through the registry so the per-connection
// sets and the channel index stay consistent.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection            // connection id -> connection
	channels    map[string]map[string]*Connection // channel -> connection id -> connection
	subjects    map[string]map[string]*Connection // subject id -> connection id -> connection
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		channels:    make(map[string]map[string]*Connection),
		subjects:    make(map[string]map[string]*Connection),
	}
}

// Register adds a connection and subscribes it to its private channel.
// Returns ErrDuplicateConnection if the id is already present.
func (r *Registry) Register(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID]; exists {
		return ErrDuplicateConnection
	}

	r.connections[conn.ID] = conn

	subjectConns, ok := r.subjects[conn.SubjectID]
	if !ok {
		subjectConns = make(map[string]*Connection)
		r.subjects[conn.SubjectID] = subjectConns
	}
	subjectConns[conn.ID] = conn

	r.subscribeLocked(conn, PrivateChannel(conn.SubjectID))

	log.Debug().
		Str("connection_id", conn.ID).
		Str("user_id", conn.SubjectID).
		Msg("Connection registered")

	return nil
}

// Unregister removes a connection and all of its channel memberships.
// Unknown ids are a no-op, so disconnect paths can call it unconditionally.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connID]
	if !ok {
		return
	}

	for _, channel := range conn.Subscriptions() {
		r.unsubscribeLocked(conn, channel)
	}

	if subjectConns, ok := r.subjects[conn.SubjectID]; ok {
		delete(subjectConns, connID)
		if len(subjectConns) == 0 {
			delete(r.subjects, conn.SubjectID)
		}
	}

	delete(r.connections, connID)

	log.Debug().
		Str("connection_id", connID).
		Str("user_id", conn.SubjectID).
		Msg("Connection unregistered")
}

// Subscribe adds the connection to a channel. Subscribing twice is a no-op.
func (r *Registry) Subscribe(connID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connID]
	if !ok {
		return ErrConnectionNotFound
	}
	r.subscribeLocked(conn, channel)
	return nil
}

// Unsubscribe removes the connection from a channel. Removing a channel the
// connection never joined is a no-op.
func (r *Registry) Unsubscribe(connID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connID]
	if !ok {
		return ErrConnectionNotFound
	}
	r.unsubscribeLocked(conn, channel)
	return nil
}

func (r *Registry) subscribeLocked(conn *Connection, channel string) {
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]*Connection)
		r.channels[channel] = members
	}
	members[conn.ID] = conn
	conn.addSubscription(channel)
}

func (r *Registry) unsubscribeLocked(conn *Connection, channel string) {
	if members, ok := r.channels[channel]; ok {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}
	conn.removeSubscription(channel)
}

// Get returns the connection for an id
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// MembersOf returns a snapshot of the connections subscribed to a channel.
// The slice is safe to iterate without holding any registry lock.
func (r *Registry) MembersOf(channel string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.channels[channel]
	out := make([]*Connection, 0, len(members))
	for _, conn := range members {
		out = append(out, conn)
	}
	return out
}

// ConnectionsOf returns a snapshot of the live connections for a subject
func (r *Registry) ConnectionsOf(subjectID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.subjects[subjectID]
	out := make([]*Connection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	return out
}

// Snapshot returns every live connection, for the idle sweep
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn)
	}
	return out
}

// Stats returns counts for the stats endpoint and metrics
func (r *Registry) Stats() (connections, channels, subscriptions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connections = len(r.connections)
	channels = len(r.channels)
	for _, members := range r.channels {
		subscriptions += len(members)
	}
	return
}

// Shutdown closes every connection and clears the registry
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.connections {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Str("connection_id", id).Msg("Error closing connection during shutdown")
		}
	}
	r.connections = make(map[string]*Connection)
	r.channels = make(map[string]map[string]*Connection)
	r.subjects = make(map[string]map[string]*Connection)
}
