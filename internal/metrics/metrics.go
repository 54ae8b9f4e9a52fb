// Package metrics holds the Prometheus collectors for both binaries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	ForwardRequests *prometheus.CounterVec
	ForwardDuration prometheus.Histogram
	NodeHealthy     *prometheus.GaugeVec
	HealthProbes    *prometheus.CounterVec
	LedgerOps       *prometheus.CounterVec
	BroadcastSent   prometheus.Counter
	BroadcastDrops  *prometheus.CounterVec
	Connections     prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardledger_http_requests_total",
			Help: "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardledger_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		ForwardRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardledger_router_forward_total",
			Help: "Requests relayed by the router, by outcome.",
		}, []string{"outcome"}),
		ForwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shardledger_router_forward_duration_seconds",
			Help:    "Upstream relay latency.",
			Buckets: prometheus.DefBuckets,
		}),
		NodeHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardledger_router_node_healthy",
			Help: "1 if the node passed its last probe, 0 otherwise.",
		}, []string{"node"}),
		HealthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardledger_router_health_probes_total",
			Help: "Health probes sent, by result.",
		}, []string{"result"}),
		LedgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardledger_ledger_operations_total",
			Help: "Ledger operations, by operation and outcome kind.",
		}, []string{"operation", "outcome"}),
		BroadcastSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardledger_broadcast_delivered_total",
			Help: "Messages handed to connection send buffers.",
		}),
		BroadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardledger_broadcast_dropped_total",
			Help: "Messages dropped, by reason.",
		}, []string{"reason"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardledger_broadcast_connections",
			Help: "Live broadcast connections.",
		}),
	}

	m.Registry.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.ForwardRequests,
		m.ForwardDuration,
		m.NodeHealthy,
		m.HealthProbes,
		m.LedgerOps,
		m.BroadcastSent,
		m.BroadcastDrops,
		m.Connections,
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(route, code string, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, code).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
