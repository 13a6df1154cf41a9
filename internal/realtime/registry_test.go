package realtime

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWire records written events instead of hitting a socket
type fakeWire struct {
	mu     sync.Mutex
	events []Event
	failed bool
	closed bool
}

func (f *fakeWire) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return errors.New("write failed")
	}
	f.events = append(f.events, v.(Event))
	return nil
}

func (f *fakeWire) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWire) Events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeWire) EventTypes() []EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestConnection(id, subjectID string) (*Connection, *fakeWire) {
	wire := &fakeWire{}
	return NewConnection(id, subjectID, wire), wire
}

func TestRegistry_Register(t *testing.T) {
	t.Run("auto-subscribes private channel", func(t *testing.T) {
		registry := NewRegistry()
		conn, _ := newTestConnection("conn-1", "user-1")

		require.NoError(t, registry.Register(conn))

		assert.True(t, conn.IsSubscribed("user:user-1"))
		assert.Len(t, registry.MembersOf("user:user-1"), 1)
	})

	t.Run("rejects duplicate connection id", func(t *testing.T) {
		registry := NewRegistry()
		first, _ := newTestConnection("conn-1", "user-1")
		second, _ := newTestConnection("conn-1", "user-2")

		require.NoError(t, registry.Register(first))
		err := registry.Register(second)

		assert.ErrorIs(t, err, ErrDuplicateConnection)
	})
}

func TestRegistry_SubscribeUnsubscribe(t *testing.T) {
	registry := NewRegistry()
	conn, _ := newTestConnection("conn-1", "user-1")
	require.NoError(t, registry.Register(conn))

	require.NoError(t, registry.Subscribe("conn-1", "circle:42"))
	assert.True(t, conn.IsSubscribed("circle:42"))
	assert.Len(t, registry.MembersOf("circle:42"), 1)

	// Subscribing again is a no-op
	require.NoError(t, registry.Subscribe("conn-1", "circle:42"))
	assert.Len(t, registry.MembersOf("circle:42"), 1)

	require.NoError(t, registry.Unsubscribe("conn-1", "circle:42"))
	assert.False(t, conn.IsSubscribed("circle:42"))
	assert.Empty(t, registry.MembersOf("circle:42"))

	// Unsubscribing a channel never joined is a no-op
	require.NoError(t, registry.Unsubscribe("conn-1", "circle:42"))

	err := registry.Subscribe("ghost", "circle:42")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry()
	conn, _ := newTestConnection("conn-1", "user-1")
	require.NoError(t, registry.Register(conn))
	require.NoError(t, registry.Subscribe("conn-1", "circle:42"))

	registry.Unregister("conn-1")

	assert.Empty(t, registry.MembersOf("circle:42"))
	assert.Empty(t, registry.MembersOf("user:user-1"))
	assert.Empty(t, registry.ConnectionsOf("user-1"))
	_, found := registry.Get("conn-1")
	assert.False(t, found)

	// Unknown ids are a no-op
	registry.Unregister("conn-1")
}

func TestRegistry_ConnectionsOf(t *testing.T) {
	registry := NewRegistry()
	first, _ := newTestConnection("conn-1", "user-1")
	second, _ := newTestConnection("conn-2", "user-1")
	other, _ := newTestConnection("conn-3", "user-2")
	require.NoError(t, registry.Register(first))
	require.NoError(t, registry.Register(second))
	require.NoError(t, registry.Register(other))

	assert.Len(t, registry.ConnectionsOf("user-1"), 2)
	assert.Len(t, registry.ConnectionsOf("user-2"), 1)
	assert.Empty(t, registry.ConnectionsOf("user-3"))
}

func TestRegistry_Stats(t *testing.T) {
	registry := NewRegistry()
	first, _ := newTestConnection("conn-1", "user-1")
	second, _ := newTestConnection("conn-2", "user-2")
	require.NoError(t, registry.Register(first))
	require.NoError(t, registry.Register(second))
	require.NoError(t, registry.Subscribe("conn-1", "circle:42"))
	require.NoError(t, registry.Subscribe("conn-2", "circle:42"))

	connections, channels, subscriptions := registry.Stats()
	assert.Equal(t, 2, connections)
	assert.Equal(t, 3, channels) // two private channels plus circle:42
	assert.Equal(t, 4, subscriptions)
}

func TestRegistry_Shutdown(t *testing.T) {
	registry := NewRegistry()
	conn, wire := newTestConnection("conn-1", "user-1")
	require.NoError(t, registry.Register(conn))

	registry.Shutdown()

	assert.True(t, wire.closed)
	connections, _, _ := registry.Stats()
	assert.Zero(t, connections)
}
