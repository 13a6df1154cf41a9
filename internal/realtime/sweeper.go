package realtime

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically pings connections with no recent inbound activity.
// Connections that cannot be written to are closed; their read loops then
// unwind and unregister them.
type Sweeper struct {
	registry    *Registry
	interval    time.Duration
	idleTimeout time.Duration
}

// NewSweeper creates a sweeper over the registry
func NewSweeper(registry *Registry, interval, idleTimeout time.Duration) *Sweeper {
	return &Sweeper{
		registry:    registry,
		interval:    interval,
		idleTimeout: idleTimeout,
	}
}

// Run sweeps until the context is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep pings every connection idle past the threshold
func (s *Sweeper) Sweep() {
	cutoff := time.Now().Add(-s.idleTimeout)
	for _, conn := range s.registry.Snapshot() {
		if conn.LastActivity().After(cutoff) {
			continue
		}
		if err := conn.Send(NewPingEvent()); err != nil {
			log.Debug().
				Err(err).
				Str("connection_id", conn.ID).
				Msg("Closing unresponsive idle connection")
			_ = conn.Close()
		}
	}
}
