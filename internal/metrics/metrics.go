package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	registry *prometheus.Registry

	// Webhook ingestion metrics
	WebhooksReceivedTotal  *prometheus.CounterVec
	WebhooksRejectedTotal  *prometheus.CounterVec
	MessagesExtractedTotal *prometheus.CounterVec

	// Delivery metrics
	ResponsesSentTotal   *prometheus.CounterVec
	ResponsesFailedTotal *prometheus.CounterVec

	// Persistent-connection metrics
	QueueDepth   *prometheus.GaugeVec
	QueueDropped *prometheus.GaugeVec

	// Front door metrics
	RequestsRateLimitedTotal prometheus.Counter
	UnknownPlatformTotal     prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		WebhooksReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhooks_received_total",
				Help: "Total number of webhook requests received",
			},
			[]string{"platform"},
		),
		WebhooksRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhooks_rejected_total",
				Help: "Total number of webhook requests that produced no messages",
			},
			[]string{"platform"},
		),
		MessagesExtractedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_extracted_total",
				Help: "Total number of normalized messages extracted from webhooks",
			},
			[]string{"platform"},
		),

		ResponsesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "responses_sent_total",
				Help: "Total number of responses delivered",
			},
			[]string{"platform"},
		),
		ResponsesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "responses_failed_total",
				Help: "Total number of response deliveries that failed",
			},
			[]string{"platform"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "platform_queue_depth",
				Help: "Current depth of a persistent-connection message queue",
			},
			[]string{"platform"},
		),
		QueueDropped: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "platform_queue_dropped",
				Help: "Messages evicted from a persistent-connection queue",
			},
			[]string{"platform"},
		),

		RequestsRateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "requests_rate_limited_total",
				Help: "Total number of requests refused by the rate limiter",
			},
		),
		UnknownPlatformTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "unknown_platform_requests_total",
				Help: "Total number of webhook requests for unknown platforms",
			},
		),
	}

	// Register all metrics
	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.WebhooksReceivedTotal)
	m.registry.MustRegister(m.WebhooksRejectedTotal)
	m.registry.MustRegister(m.MessagesExtractedTotal)

	m.registry.MustRegister(m.ResponsesSentTotal)
	m.registry.MustRegister(m.ResponsesFailedTotal)

	m.registry.MustRegister(m.QueueDepth)
	m.registry.MustRegister(m.QueueDropped)

	m.registry.MustRegister(m.RequestsRateLimitedTotal)
	m.registry.MustRegister(m.UnknownPlatformTotal)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
