package pubsub

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sobranie-app/realtime/internal/config"
)

// NewPubSub creates a pub/sub based on the broker configuration.
//
// Backend options:
// - "local": in-process pub/sub (default, single instance)
// - "redis": Redis pub/sub (multi-instance deployments)
func NewPubSub(cfg *config.BrokerConfig) (PubSub, error) {
	switch cfg.Backend {
	case "local", "":
		log.Info().Msg("Using local pub/sub (single instance mode)")
		return NewLocalPubSub(), nil

	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis_url is required for redis pub/sub backend")
		}
		log.Info().Msg("Using Redis pub/sub (multi-instance mode)")
		ps, err := NewRedisPubSub(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis for pub/sub: %w", err)
		}
		return ps, nil

	default:
		return nil, fmt.Errorf("unknown pub/sub backend: %s (valid options: local, redis)", cfg.Backend)
	}
}
