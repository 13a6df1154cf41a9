// Package api assembles the HTTP surface: WebSocket upgrades, the SSE
// stream, operational endpoints, and the internal broadcast API.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog/log"

	"github.com/sobranie-app/realtime/internal/auth"
	"github.com/sobranie-app/realtime/internal/config"
	"github.com/sobranie-app/realtime/internal/database"
	"github.com/sobranie-app/realtime/internal/middleware"
	"github.com/sobranie-app/realtime/internal/observability"
	"github.com/sobranie-app/realtime/internal/pubsub"
	"github.com/sobranie-app/realtime/internal/realtime"
	"github.com/sobranie-app/realtime/internal/sse"
)

// Server is the HTTP server and the realtime components it hosts
type Server struct {
	app    *fiber.App
	config *config.Config
	db     *database.Connection
	broker pubsub.PubSub

	metrics     *observability.Metrics
	registry    *realtime.Registry
	broadcaster *realtime.Broadcaster
	presence    *realtime.PresenceTracker
	sweeper     *realtime.Sweeper

	wsHandler        *realtime.Handler
	sseHandler       *sse.Handler
	broadcastHandler *BroadcastHandler

	cancelBackground context.CancelFunc
}

// NewServer wires the realtime components and registers routes
func NewServer(cfg *config.Config, db *database.Connection, broker pubsub.PubSub) *Server {
	app := fiber.New(fiber.Config{
		ServerHeader:          "Sobranie",
		AppName:               "Sobranie Realtime v1.0.0",
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		DisableStartupMessage: !cfg.Debug,
		ErrorHandler:          errorHandler,
	})

	metrics := observability.NewMetrics()
	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	registry := realtime.NewRegistry()
	broadcaster := realtime.NewBroadcaster(registry, broker)
	broadcaster.SetMetrics(metrics)
	presence := realtime.NewPresenceTracker(registry, broadcaster)
	presence.SetMetrics(metrics)
	sweeper := realtime.NewSweeper(registry, cfg.Realtime.SweepInterval, cfg.Realtime.IdleTimeout)

	var profiles realtime.ProfileFetcher
	var notifications sse.NotificationSource
	if db != nil {
		profiles = database.NewProfileStore(db.Pool())
		notifications = database.NewNotificationStore(db.Pool())
	}

	wsHandler := realtime.NewHandler(jwtManager, realtime.SessionConfig{
		Registry:         registry,
		Broadcaster:      broadcaster,
		Presence:         presence,
		Profiles:         profiles,
		Metrics:          metrics,
		MaxMessageLength: cfg.Realtime.MaxMessageLength,
	})

	sseHandler := sse.NewHandler(jwtManager, sse.SessionConfig{
		Source:            notifications,
		Broker:            broker,
		Metrics:           metrics,
		PollInterval:      cfg.SSE.PollInterval,
		HeartbeatInterval: cfg.SSE.HeartbeatInterval,
		SnapshotLimit:     cfg.SSE.SnapshotLimit,
	})

	s := &Server{
		app:              app,
		config:           cfg,
		db:               db,
		broker:           broker,
		metrics:          metrics,
		registry:         registry,
		broadcaster:      broadcaster,
		presence:         presence,
		sweeper:          sweeper,
		wsHandler:        wsHandler,
		sseHandler:       sseHandler,
		broadcastHandler: NewBroadcastHandler(broadcaster, cfg.Auth.ServiceToken),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(requestid.New())
	s.app.Use(middleware.StructuredLogger())
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: s.config.Debug,
	}))
	s.app.Use(cors.New())
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", observability.Handler())

	s.app.Get("/realtime/ws", s.wsHandler.HandleWebSocket)
	s.app.Get("/realtime/events", s.sseHandler.HandleStream)

	v1 := s.app.Group("/api/v1")
	v1.Get("/realtime/stats", s.handleStats)
	v1.Post("/realtime/broadcast", s.broadcastHandler.HandleBroadcast)
}

// Start launches the background loops and listens for connections
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelBackground = cancel

	if err := s.broadcaster.Start(ctx); err != nil {
		cancel()
		return err
	}
	go s.sweeper.Run(ctx)
	go s.reportStats(ctx)

	log.Info().Str("address", s.config.Server.Address).Msg("Starting realtime server")
	return s.app.Listen(s.config.Server.Address)
}

// Shutdown stops background loops, closes every connection, and drains the
// HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBackground != nil {
		s.cancelBackground()
	}
	s.broadcaster.Stop()

	log.Info().Msg("Closing realtime connections")
	s.registry.Shutdown()

	return s.app.ShutdownWithContext(ctx)
}

// reportStats pushes registry and broker gauges to the metrics collector
func (s *Server) reportStats(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connections, channels, subscriptions := s.registry.Stats()
			s.metrics.UpdateRealtimeStats(connections, channels, subscriptions)
			if counter, ok := s.broker.(pubsub.DropCounter); ok {
				s.metrics.UpdateBrokerDrops(counter.Dropped())
			}
		}
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"error":  "database unreachable",
			})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	connections, channels, subscriptions := s.registry.Stats()
	return c.JSON(fiber.Map{
		"connections":   connections,
		"channels":      channels,
		"subscriptions": subscriptions,
		"online_users":  s.presence.OnlineCount(),
	})
}

// errorHandler renders unhandled errors as JSON
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	if code >= 500 {
		log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
