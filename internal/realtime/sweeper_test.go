package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_PingsIdleConnections(t *testing.T) {
	registry := NewRegistry()
	sweeper := NewSweeper(registry, 30*time.Second, 60*time.Second)

	idle, idleWire := newTestConnection("conn-idle", "user-1")
	require.NoError(t, registry.Register(idle))
	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-2 * time.Minute)
	idle.mu.Unlock()

	active, activeWire := newTestConnection("conn-active", "user-2")
	require.NoError(t, registry.Register(active))

	sweeper.Sweep()

	require.Len(t, idleWire.Events(), 1)
	assert.Equal(t, EventPing, idleWire.Events()[0].Type)
	assert.Empty(t, activeWire.Events())
}

func TestSweeper_ClosesUnwritableConnections(t *testing.T) {
	registry := NewRegistry()
	sweeper := NewSweeper(registry, 30*time.Second, 60*time.Second)

	dead, deadWire := newTestConnection("conn-dead", "user-1")
	deadWire.failed = true
	require.NoError(t, registry.Register(dead))
	dead.mu.Lock()
	dead.lastActivity = time.Now().Add(-2 * time.Minute)
	dead.mu.Unlock()

	sweeper.Sweep()

	assert.True(t, deadWire.closed)
}

func TestSweeper_TouchResetsIdle(t *testing.T) {
	registry := NewRegistry()
	sweeper := NewSweeper(registry, 30*time.Second, 60*time.Second)

	conn, wire := newTestConnection("conn-1", "user-1")
	require.NoError(t, registry.Register(conn))
	conn.mu.Lock()
	conn.lastActivity = time.Now().Add(-2 * time.Minute)
	conn.mu.Unlock()

	conn.Touch()
	sweeper.Sweep()

	assert.Empty(t, wire.Events())
}
