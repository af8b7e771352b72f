// Package observability holds the tracing and Prometheus wiring used by the
// orchestrator and the local API server.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "taskrunner"
	metricsSubsystem = "orchestrator"
)

// MetricsConfig configures the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Metrics exposes Prometheus collectors that report task runs.
type Metrics struct {
	taskDuration *prometheus.HistogramVec
	taskFailures *prometheus.CounterVec
	streamEvents *prometheus.CounterVec
	tasksActive  prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors already registered under the same name are reused; any other
// registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "task_duration_seconds",
			Help:      "Wall time of a task run by final status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"status"},
	)
	taskFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "task_failures_total",
			Help:      "Task runs that did not pass, by reason.",
		},
		[]string{"reason"},
	)
	streamEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "stream_events_total",
			Help:      "Agent stream events processed, by event type.",
		},
		[]string{"type"},
	)
	tasksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tasks_active",
			Help:      "Number of tasks currently running.",
		},
	)

	collectors := []prometheus.Collector{taskDuration, taskFailures, streamEvents, tasksActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch collector {
			case taskDuration:
				taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
			case taskFailures:
				taskFailures = already.ExistingCollector.(*prometheus.CounterVec)
			case streamEvents:
				streamEvents = already.ExistingCollector.(*prometheus.CounterVec)
			case tasksActive:
				tasksActive = already.ExistingCollector.(prometheus.Gauge)
			}
		}
	}

	return &Metrics{
		taskDuration: taskDuration,
		taskFailures: taskFailures,
		streamEvents: streamEvents,
		tasksActive:  tasksActive,
	}
}

// ObserveTask records a finished run.
func (m *Metrics) ObserveTask(status string, duration time.Duration) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncFailure counts a run that did not pass.
func (m *Metrics) IncFailure(reason string) {
	if m == nil || m.taskFailures == nil {
		return
	}
	m.taskFailures.WithLabelValues(reason).Inc()
}

// IncStreamEvent counts one processed stream event.
func (m *Metrics) IncStreamEvent(eventType string) {
	if m == nil || m.streamEvents == nil {
		return
	}
	m.streamEvents.WithLabelValues(eventType).Inc()
}

// TaskStarted marks a task as active.
func (m *Metrics) TaskStarted() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Inc()
}

// TaskFinished marks a task as no longer active.
func (m *Metrics) TaskFinished() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Dec()
}
