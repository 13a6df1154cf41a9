// Package observability exposes Prometheus metrics for the realtime service.
package observability

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the realtime service
type Metrics struct {
	realtimeConnections   prometheus.Gauge
	realtimeChannels      prometheus.Gauge
	realtimeSubscriptions prometheus.Gauge
	realtimeMessagesTotal *prometheus.CounterVec
	realtimeErrors        *prometheus.CounterVec

	sseStreams      prometheus.Gauge
	sseEventsTotal  *prometheus.CounterVec
	presenceChanges *prometheus.CounterVec

	brokerDropped prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		realtimeConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sobranie_realtime_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		realtimeChannels: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sobranie_realtime_channels",
				Help: "Number of channels with at least one subscriber",
			},
		),
		realtimeSubscriptions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sobranie_realtime_subscriptions",
				Help: "Total number of channel subscriptions",
			},
		),
		realtimeMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sobranie_realtime_messages_total",
				Help: "Total realtime events delivered, by event type",
			},
			[]string{"type"},
		),
		realtimeErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sobranie_realtime_errors_total",
				Help: "Total realtime errors, by kind",
			},
			[]string{"kind"},
		),
		sseStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sobranie_sse_streams",
				Help: "Number of open event streams",
			},
		),
		sseEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sobranie_sse_events_total",
				Help: "Total event stream events emitted, by event name",
			},
			[]string{"event"},
		),
		presenceChanges: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sobranie_presence_changes_total",
				Help: "Total presence status changes, by status",
			},
			[]string{"status"},
		),
		brokerDropped: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sobranie_broker_dropped_messages",
				Help: "Messages lost to full broker subscriber queues since startup",
			},
		),
	}
}

// UpdateRealtimeStats updates the realtime connection gauges
func (m *Metrics) UpdateRealtimeStats(connections, channels, subscriptions int) {
	if m == nil {
		return
	}
	m.realtimeConnections.Set(float64(connections))
	m.realtimeChannels.Set(float64(channels))
	m.realtimeSubscriptions.Set(float64(subscriptions))
}

// RecordRealtimeMessage records a delivered realtime event
func (m *Metrics) RecordRealtimeMessage(eventType string) {
	if m == nil {
		return
	}
	m.realtimeMessagesTotal.WithLabelValues(eventType).Inc()
}

// RecordRealtimeError records a realtime error
func (m *Metrics) RecordRealtimeError(kind string) {
	if m == nil {
		return
	}
	m.realtimeErrors.WithLabelValues(kind).Inc()
}

// SSEStreamOpened increments the open stream gauge
func (m *Metrics) SSEStreamOpened() {
	if m == nil {
		return
	}
	m.sseStreams.Inc()
}

// SSEStreamClosed decrements the open stream gauge
func (m *Metrics) SSEStreamClosed() {
	if m == nil {
		return
	}
	m.sseStreams.Dec()
}

// RecordSSEEvent records an emitted event stream event
func (m *Metrics) RecordSSEEvent(event string) {
	if m == nil {
		return
	}
	m.sseEventsTotal.WithLabelValues(event).Inc()
}

// UpdateBrokerDrops sets the broker drop gauge
func (m *Metrics) UpdateBrokerDrops(n uint64) {
	if m == nil {
		return
	}
	m.brokerDropped.Set(float64(n))
}

// RecordPresenceChange records a presence status change
func (m *Metrics) RecordPresenceChange(status string) {
	if m == nil {
		return
	}
	m.presenceChanges.WithLabelValues(status).Inc()
}

// Handler returns a Fiber handler serving the Prometheus metrics endpoint
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
