package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for isolab.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Container engine metrics.
	EngineOperationsTotal   *prometheus.CounterVec
	EngineOperationDuration *prometheus.HistogramVec

	// Lab fleet metrics.
	LabsRunning prometheus.Gauge

	// Network policy metrics.
	NetRulesTotal *prometheus.CounterVec

	// Auth metrics.
	LoginAttemptsTotal *prometheus.CounterVec
	RateLimitedTotal   *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		EngineOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isolab",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total container engine operations.",
		}, []string{"operation", "status"}),

		EngineOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "isolab",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Container engine operation duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"operation"}),

		LabsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "isolab",
			Name:      "labs_running",
			Help:      "Number of lab containers currently running.",
		}),

		NetRulesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isolab",
			Subsystem: "netpolicy",
			Name:      "operations_total",
			Help:      "Total network rule helper invocations.",
		}, []string{"operation", "status"}),

		LoginAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isolab",
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Total login attempts.",
		}, []string{"outcome"}),

		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isolab",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by rate limiting.",
		}, []string{"action"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isolab",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "isolab",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "isolab",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.EngineOperationsTotal,
		m.EngineOperationDuration,
		m.LabsRunning,
		m.NetRulesTotal,
		m.LoginAttemptsTotal,
		m.RateLimitedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
