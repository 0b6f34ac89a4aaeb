package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the engine on its own
// registry, keeping the default global registry untouched.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox lifecycle metrics.
	SandboxTransitionsTotal *prometheus.CounterVec

	// Task metrics.
	TasksSubmittedTotal *prometheus.CounterVec
	TasksFinishedTotal  *prometheus.CounterVec
	TaskTimeoutsTotal   prometheus.Counter

	// Reaper metrics.
	ReaperSweepsTotal   prometheus.Counter
	ReaperActionsTotal  *prometheus.CounterVec
	ReaperSweepDuration prometheus.Histogram

	// Snapshot metrics.
	SnapshotsTotal *prometheus.CounterVec

	// Inference backend metrics.
	LLMRequestsTotal *prometheus.CounterVec

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

		SandboxTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ractor",
			Subsystem: "sandbox",
			Name:      "transitions_total",
			Help:      "Total sandbox state transitions.",
		}, []string{"from", "to"}),

		TasksSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ractor",
			Subsystem: "task",
			Name:      "submitted_total",
			Help:      "Total tasks accepted by the scheduler.",
		}, []string{"background"}),

		TasksFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ractor",
			Subsystem: "task",
			Name:      "finished_total",
			Help:      "Total tasks reaching a terminal status.",
		}, []string{"status"}),

		TaskTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ractor",
			Subsystem: "task",
			Name:      "timeouts_total",
			Help:      "Total tasks failed by the reaper after their deadline.",
		}),

		ReaperSweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ractor",
			Subsystem: "reaper",
			Name:      "sweeps_total",
			Help:      "Total reaper sweep passes.",
		}),

		ReaperActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ractor",
			Subsystem: "reaper",
			Name:      "actions_total",
			Help:      "Total reaper actions by kind.",
		}, []string{"action"}),

		ReaperSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ractor",
			Subsystem: "reaper",
			Name:      "sweep_duration_seconds",
			Help:      "Reaper sweep duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),

		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ractor",
			Subsystem: "snapshot",
			Name:      "captures_total",
			Help:      "Total snapshot captures.",
		}, []string{"trigger"}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ractor",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total inference backend requests.",
		}, []string{"provider", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ractor",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ractor",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ractor",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.SandboxTransitionsTotal,
		m.TasksSubmittedTotal,
		m.TasksFinishedTotal,
		m.TaskTimeoutsTotal,
		m.ReaperSweepsTotal,
		m.ReaperActionsTotal,
		m.ReaperSweepDuration,
		m.SnapshotsTotal,
		m.LLMRequestsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveSweep records one reaper pass. Nil-safe.
func (m *MetricsCollector) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.ReaperSweepsTotal.Inc()
	m.ReaperSweepDuration.Observe(d.Seconds())
}

// CountReaperAction records one reaper action by kind. Nil-safe.
func (m *MetricsCollector) CountReaperAction(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReaperActionsTotal.WithLabelValues(action).Add(float64(n))
}

// CountTimeouts records reaper-forced task timeouts. Nil-safe.
func (m *MetricsCollector) CountTimeouts(n int) {
	if m == nil || n == 0 {
		return
	}
	m.TaskTimeoutsTotal.Add(float64(n))
}
