// Package api provides Prometheus metrics for the consensus core.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for one node. Each node owns its
// own registry so several nodes can live in a single test process.
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsSubmitted prometheus.Counter
	RequestsCommitted prometheus.Counter
	CommitLatency     prometheus.Histogram

	// Protocol metrics
	ValidationFailures *prometheus.CounterVec
	ViewChanges        prometheus.Counter
	StableCheckpoints  prometheus.Counter
	DivergenceEvents   prometheus.Counter

	// System metrics
	PendingRequests prometheus.Gauge
	PendingSlots    prometheus.Gauge
}

// NewMetrics creates a Metrics instance with the given namespace.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RequestsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Total number of client requests submitted",
		}),
		RequestsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_committed_total",
			Help:      "Total number of requests committed and executed",
		}),
		CommitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_latency_seconds",
			Help:      "Submit-to-commit latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		ValidationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Inbound messages dropped by validation, by message type",
		}, []string{"message_type"}),
		ViewChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_changes_total",
			Help:      "Total number of completed view changes",
		}),
		StableCheckpoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stable_checkpoints_total",
			Help:      "Total number of checkpoints that reached stability",
		}),
		DivergenceEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "divergence_events_total",
			Help:      "Conflicting stable checkpoint reports, a safety violation signal",
		}),

		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Current number of queued client requests",
		}),
		PendingSlots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_slots",
			Help:      "Current number of live agreement slots",
		}),
	}
}

// Registry returns the node's metric registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
