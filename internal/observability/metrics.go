// Package observability exposes Prometheus metrics for roomcast.
package observability

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for roomcast.
// Each Metrics instance carries its own registry so multiple instances can
// coexist (notably across tests).
type Metrics struct {
	registry *prometheus.Registry

	// Adapter metrics
	adapterPublishesTotal       *prometheus.CounterVec
	adapterDeliveriesTotal      *prometheus.CounterVec
	adapterDropsTotal           *prometheus.CounterVec
	adapterSubscriptionOpsTotal *prometheus.CounterVec
	adapterErrorsTotal          prometheus.Counter

	// Realtime metrics
	realtimeConnections prometheus.Gauge
	realtimeRooms       prometheus.Gauge
	realtimeSendErrors  prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		adapterPublishesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomcast_adapter_publishes_total",
				Help: "Total number of envelopes published to the bus",
			},
			[]string{"namespace"},
		),
		adapterDeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomcast_adapter_deliveries_total",
				Help: "Total number of bus messages applied locally",
			},
			[]string{"namespace"},
		),
		adapterDropsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomcast_adapter_drops_total",
				Help: "Total number of bus messages dropped by the delivery path",
			},
			[]string{"namespace", "reason"},
		),
		adapterSubscriptionOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomcast_adapter_subscription_ops_total",
				Help: "Total number of bus subscription lifecycle operations",
			},
			[]string{"op"},
		),
		adapterErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roomcast_adapter_errors_total",
				Help: "Total number of transport errors surfaced by the adapter",
			},
		),

		realtimeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "roomcast_realtime_connections",
				Help: "Current number of WebSocket connections",
			},
		),
		realtimeRooms: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "roomcast_realtime_rooms",
				Help: "Current number of rooms with at least one local member",
			},
		),
		realtimeSendErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roomcast_realtime_send_errors_total",
				Help: "Total number of failed writes to WebSocket clients",
			},
		),
	}
}

// RecordPublish records an envelope published to the bus.
func (m *Metrics) RecordPublish(namespace string) {
	m.adapterPublishesTotal.WithLabelValues(namespace).Inc()
}

// RecordDelivery records a bus message applied to local clients.
func (m *Metrics) RecordDelivery(namespace string) {
	m.adapterDeliveriesTotal.WithLabelValues(namespace).Inc()
}

// RecordDrop records a bus message dropped by the delivery path.
func (m *Metrics) RecordDrop(namespace, reason string) {
	m.adapterDropsTotal.WithLabelValues(namespace, reason).Inc()
}

// RecordSubscriptionOp records a subscription create or delete.
func (m *Metrics) RecordSubscriptionOp(op string) {
	m.adapterSubscriptionOpsTotal.WithLabelValues(op).Inc()
}

// RecordAdapterError records a transport error surfaced by the adapter.
func (m *Metrics) RecordAdapterError() {
	m.adapterErrorsTotal.Inc()
}

// UpdateRealtimeStats updates the connection and room gauges.
func (m *Metrics) UpdateRealtimeStats(connections, roomCount int) {
	m.realtimeConnections.Set(float64(connections))
	m.realtimeRooms.Set(float64(roomCount))
}

// RecordSendError records a failed write to a WebSocket client.
func (m *Metrics) RecordSendError() {
	m.realtimeSendErrors.Inc()
}

// Handler returns a Fiber handler that exposes Prometheus metrics.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
