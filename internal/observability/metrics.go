package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for tutorbox.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox lifecycle metrics.
	SandboxCreatesTotal      *prometheus.CounterVec
	SandboxCreateDuration    *prometheus.HistogramVec
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec
	SandboxDestroysTotal     *prometheus.CounterVec

	// Tutoring metrics.
	SubmissionsTotal   *prometheus.CounterVec
	SubmissionDuration *prometheus.HistogramVec
	FlowsCompleted     *prometheus.CounterVec
	RateLimitedTotal   prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// WebSocket gateway metrics.
	WSConnections prometheus.Gauge

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxCreatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutorbox",
			Subsystem: "sandbox",
			Name:      "creates_total",
			Help:      "Total sandbox provisioning attempts.",
		}, []string{"backend", "status"}),

		SandboxCreateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tutorbox",
			Subsystem: "sandbox",
			Name:      "create_duration_seconds",
			Help:      "Sandbox provisioning duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"backend"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutorbox",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox command executions.",
		}, []string{"backend", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tutorbox",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox command execution duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"backend"}),

		SandboxDestroysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutorbox",
			Subsystem: "sandbox",
			Name:      "destroys_total",
			Help:      "Total sandbox teardowns.",
		}, []string{"backend", "status"}),

		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutorbox",
			Subsystem: "tutor",
			Name:      "submissions_total",
			Help:      "Total learner submissions by outcome.",
		}, []string{"flow", "outcome"}),

		SubmissionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tutorbox",
			Subsystem: "tutor",
			Name:      "submission_duration_seconds",
			Help:      "End-to-end submission handling duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"flow"}),

		FlowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutorbox",
			Subsystem: "tutor",
			Name:      "flows_completed_total",
			Help:      "Total flows completed by learners.",
		}, []string{"flow"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tutorbox",
			Subsystem: "tutor",
			Name:      "rate_limited_total",
			Help:      "Total submissions rejected by the rate limiter.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutorbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tutorbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tutorbox",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Number of open WebSocket connections.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tutorbox",
			Name:      "active_requests",
			Help:      "Number of in-flight requests.",
		}),
	}

	reg.MustRegister(
		m.SandboxCreatesTotal,
		m.SandboxCreateDuration,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.SandboxDestroysTotal,
		m.SubmissionsTotal,
		m.SubmissionDuration,
		m.FlowsCompleted,
		m.RateLimitedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WSConnections,
		m.ActiveRequests,
	)

	return m
}

// RegistryOrNil returns the underlying registry, or nil when metrics are disabled.
// Packages that own their own collectors register against it.
func (m *MetricsCollector) RegistryOrNil() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.Registry
}
