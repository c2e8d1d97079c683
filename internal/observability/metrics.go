package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Toolgate.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Proxied JSON-RPC traffic.
	RPCRequestsTotal   *prometheus.CounterVec
	RPCRequestDuration *prometheus.HistogramVec

	// Server lifecycle.
	ServersRunning    prometheus.Gauge
	ServerStartsTotal *prometheus.CounterVec
	SpawnDeniedTotal  *prometheus.CounterVec

	// Configuration reloads.
	ReloadsTotal *prometheus.CounterVec

	// Capability cache.
	ToolsCached prometheus.Gauge

	// HTTP gateway.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolgate",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total JSON-RPC requests proxied to downstream servers.",
		}, []string{"server", "method", "status"}),

		RPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolgate",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"server", "method"}),

		ServersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toolgate",
			Subsystem: "servers",
			Name:      "running",
			Help:      "Number of servers currently in the running state.",
		}),

		ServerStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolgate",
			Subsystem: "servers",
			Name:      "starts_total",
			Help:      "Total server start attempts.",
		}, []string{"server", "status"}),

		SpawnDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolgate",
			Subsystem: "sandbox",
			Name:      "spawn_denied_total",
			Help:      "Spawns refused because no driver could enforce the policy.",
		}, []string{"server"}),

		ReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolgate",
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Configuration reload passes.",
		}, []string{"status"}),

		ToolsCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toolgate",
			Subsystem: "capability",
			Name:      "tools_cached",
			Help:      "Tools in the aggregated capability cache.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toolgate",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.RPCRequestsTotal,
		m.RPCRequestDuration,
		m.ServersRunning,
		m.ServerStartsTotal,
		m.SpawnDeniedTotal,
		m.ReloadsTotal,
		m.ToolsCached,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
