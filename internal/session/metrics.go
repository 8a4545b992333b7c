package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the session registry.
type Metrics struct {
	ActiveFlows       prometheus.Gauge
	FlowsStarted      *prometheus.CounterVec
	FlowsEnded        *prometheus.CounterVec
	ProvisionFailures prometheus.Counter
	SweepDuration     prometheus.Histogram
	SweepSkippedBusy  prometheus.Counter
}

// NewMetrics creates and registers session metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ActiveFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tutorbox",
			Subsystem: "session",
			Name:      "active_flows",
			Help:      "Number of live flows holding a sandbox.",
		}),
		FlowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutorbox",
			Subsystem: "session",
			Name:      "flows_started_total",
			Help:      "Total flows started by slug.",
		}, []string{"slug"}),
		FlowsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutorbox",
			Subsystem: "session",
			Name:      "flows_ended_total",
			Help:      "Total flows ended by reason.",
		}, []string{"reason"}),
		ProvisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tutorbox",
			Subsystem: "session",
			Name:      "provision_failures_total",
			Help:      "Total flow starts that failed to provision a sandbox.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tutorbox",
			Subsystem: "session",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each idle sweep.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		SweepSkippedBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tutorbox",
			Subsystem: "session",
			Name:      "sweep_skipped_busy_total",
			Help:      "Idle flows skipped by a sweep because a command was running.",
		}),
	}

	reg.MustRegister(
		m.ActiveFlows,
		m.FlowsStarted,
		m.FlowsEnded,
		m.ProvisionFailures,
		m.SweepDuration,
		m.SweepSkippedBusy,
	)

	return m
}
