// Package telemetry collects the gateway's operational metrics and serves
// them in Prometheus exposition format at /metrics.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpgate/mcpgate/pkg/registry"
)

// Metrics holds every instrument the gateway records. A single instance is
// created at startup and shared by the router, the monitor and the index.
type Metrics struct {
	registry *prometheus.Registry

	// ProxiedRequests counts requests forwarded to upstream services,
	// labelled by service path and response class.
	ProxiedRequests *prometheus.CounterVec

	// AuthRejections counts requests rejected at the edge, labelled by
	// HTTP status.
	AuthRejections *prometheus.CounterVec

	// Probes counts health probe outcomes, labelled by service path and
	// resulting health status.
	Probes *prometheus.CounterVec

	// ProbeDuration observes how long each full probe takes.
	ProbeDuration prometheus.Histogram

	// RegisteredServices tracks how many services the registry holds.
	RegisteredServices prometheus.Gauge

	// IndexRebuilds counts semantic index rebuilds.
	IndexRebuilds prometheus.Counter

	// IndexedTools tracks how many tools the semantic index holds.
	IndexedTools prometheus.Gauge
}

// New creates and registers the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		ProxiedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Name:      "proxied_requests_total",
			Help:      "Requests forwarded to upstream MCP services.",
		}, []string{"service", "code"}),
		AuthRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Name:      "auth_rejections_total",
			Help:      "Requests rejected by edge authentication or authorization.",
		}, []string{"code"}),
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Name:      "health_probes_total",
			Help:      "Health probe outcomes by service and resulting status.",
		}, []string{"service", "status"}),
		ProbeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mcpgate",
			Name:      "health_probe_duration_seconds",
			Help:      "Duration of full health probes.",
			Buckets:   prometheus.DefBuckets,
		}),
		RegisteredServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpgate",
			Name:      "registered_services",
			Help:      "Number of services currently registered.",
		}),
		IndexRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Name:      "index_rebuilds_total",
			Help:      "Semantic tool index rebuilds.",
		}),
		IndexedTools: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpgate",
			Name:      "indexed_tools",
			Help:      "Number of tools in the semantic index.",
		}),
	}

	reg.MustRegister(
		m.ProxiedRequests,
		m.AuthRejections,
		m.Probes,
		m.ProbeDuration,
		m.RegisteredServices,
		m.IndexRebuilds,
		m.IndexedTools,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackRegistry keeps the registered-services gauge in step with the store,
// following its mutation events until ctx is cancelled.
func (m *Metrics) TrackRegistry(ctx context.Context, store *registry.Store) {
	m.RegisteredServices.Set(float64(store.Snapshot().Len()))

	events := store.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			m.RegisteredServices.Set(float64(store.Snapshot().Len()))
		}
	}
}
