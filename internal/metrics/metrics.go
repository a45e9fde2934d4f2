// Package metrics exposes the delivery pipeline's Prometheus
// instrumentation on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the pipeline records. Fields are used
// directly; there are no wrapper methods to keep in sync.
type Metrics struct {
	registry *prometheus.Registry

	// GreetingsScheduled counts message log rows created by the daily
	// pre-calculation, labeled by message type.
	GreetingsScheduled *prometheus.CounterVec
	// GreetingsEnqueued counts rows handed to the queue by the dispatcher.
	GreetingsEnqueued prometheus.Counter
	// GreetingsSent counts finished delivery attempts by outcome.
	GreetingsSent *prometheus.CounterVec
	// GreetingsDead counts rows that reached the DEAD status, by reason.
	GreetingsDead *prometheus.CounterVec
	// RecoveryRequeued counts rows each recovery scan put back in play.
	RecoveryRequeued *prometheus.CounterVec
	// SendLatency observes wall time of provider calls in seconds.
	SendLatency prometheus.Histogram
	// QueueDepth gauges ready plus delayed envelopes.
	QueueDepth prometheus.Gauge
	// CircuitState gauges the breaker position: 0 closed, 1 open,
	// 2 half-open.
	CircuitState prometheus.Gauge
}

// New creates all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		GreetingsScheduled: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "greetings_scheduled_total",
			Help: "Message log rows created by the daily pre-calculation.",
		}, []string{"type"}),
		GreetingsEnqueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "greetings_enqueued_total",
			Help: "Messages handed to the delivery queue.",
		}),
		GreetingsSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "greetings_sent_total",
			Help: "Finished delivery attempts by outcome.",
		}, []string{"outcome"}),
		GreetingsDead: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "greetings_dead_total",
			Help: "Messages that exhausted their options, by reason.",
		}, []string{"reason"}),
		RecoveryRequeued: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "recovery_requeued_total",
			Help: "Rows put back in play by the recovery sweeper, by scan.",
		}, []string{"scan"}),
		SendLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "send_latency_seconds",
			Help:    "Wall time of email provider calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		QueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Envelopes waiting or delayed in the delivery queue.",
		}),
		CircuitState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "circuit_state",
			Help: "Email circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),
	}

	// Vector series stay hidden until first touched; seed the fixed
	// taxonomies so they scrape as zero from startup. Message types are
	// registry-driven and left out.
	for _, outcome := range []string{"sent", "transient", "permanent"} {
		m.GreetingsSent.WithLabelValues(outcome)
	}
	for _, reason := range []string{"user_removed", "render_failed", "permanent", "retries_exhausted"} {
		m.GreetingsDead.WithLabelValues(reason)
	}
	for _, scan := range []string{"overdue_scheduled", "stuck_enqueued", "stale_sending", "retry_due"} {
		m.RecoveryRequeued.WithLabelValues(scan)
	}

	return m
}

// Registry returns the private registry for custom exposition.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
