package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sobranie-app/realtime/internal/config"
)

func TestNewPubSub_LocalBackend(t *testing.T) {
	ps, err := NewPubSub(&config.BrokerConfig{Backend: "local"})
	require.NoError(t, err)
	require.NotNil(t, ps)
	defer ps.Close()

	_, ok := ps.(*LocalPubSub)
	assert.True(t, ok)
}

func TestNewPubSub_EmptyBackendDefaultsToLocal(t *testing.T) {
	ps, err := NewPubSub(&config.BrokerConfig{})
	require.NoError(t, err)
	defer ps.Close()

	_, ok := ps.(*LocalPubSub)
	assert.True(t, ok)
}

func TestNewPubSub_RedisRequiresURL(t *testing.T) {
	_, err := NewPubSub(&config.BrokerConfig{Backend: "redis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis_url is required")
}

func TestNewPubSub_UnknownBackend(t *testing.T) {
	_, err := NewPubSub(&config.BrokerConfig{Backend: "nats"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown pub/sub backend")
}
