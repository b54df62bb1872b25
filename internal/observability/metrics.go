package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for shellgate.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Session metrics.
	ActiveSessions prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec
	SessionBytes   *prometheus.CounterVec

	// Token metrics.
	TokensIssuedTotal     prometheus.Counter
	TokenValidationsTotal *prometheus.CounterVec

	// Rate limit metrics.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Sandbox metrics.
	SandboxCreationsTotal *prometheus.CounterVec
	SandboxCreateDuration prometheus.Histogram

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

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellgate",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of currently active terminal sessions.",
		}),

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellgate",
			Subsystem: "session",
			Name:      "total",
			Help:      "Total terminal sessions, by close reason.",
		}, []string{"reason"}),

		SessionBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellgate",
			Subsystem: "session",
			Name:      "bytes_total",
			Help:      "Total bytes bridged between clients and sandboxes.",
		}, []string{"direction"}),

		TokensIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shellgate",
			Subsystem: "token",
			Name:      "issued_total",
			Help:      "Total session tokens issued.",
		}),

		TokenValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellgate",
			Subsystem: "token",
			Name:      "validations_total",
			Help:      "Total token validations, by result.",
		}, []string{"result"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellgate",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total rate limit rejections, by limit type.",
		}, []string{"limit"}),

		SandboxCreationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellgate",
			Subsystem: "sandbox",
			Name:      "creations_total",
			Help:      "Total sandbox container creations.",
		}, []string{"status"}),

		SandboxCreateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shellgate",
			Subsystem: "sandbox",
			Name:      "create_duration_seconds",
			Help:      "Sandbox container creation duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellgate",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ActiveSessions,
		m.SessionsTotal,
		m.SessionBytes,
		m.TokensIssuedTotal,
		m.TokenValidationsTotal,
		m.RateLimitRejectionsTotal,
		m.SandboxCreationsTotal,
		m.SandboxCreateDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}
