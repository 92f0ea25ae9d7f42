package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks executor activity. Exporting them over HTTP is out of
// scope here; callers pass their own registerer.
type Metrics struct {
	// RunsTotal counts finished runs by terminal status.
	RunsTotal *prometheus.CounterVec

	// StepsTotal counts node executions, including failed attempts' nodes.
	StepsTotal prometheus.Counter

	// RetriesTotal counts attempts beyond the first per node execution.
	RetriesTotal prometheus.Counter

	// RunDuration observes wall-clock run duration in seconds.
	RunDuration prometheus.Histogram
}

// NewMetrics creates executor metrics registered on reg. A nil registerer
// uses the default prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "axon",
			Subsystem: "executor",
			Name:      "runs_total",
			Help:      "Finished runs by terminal status.",
		}, []string{"status"}),
		StepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "axon",
			Subsystem: "executor",
			Name:      "steps_total",
			Help:      "Node executions across all runs.",
		}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "axon",
			Subsystem: "executor",
			Name:      "retries_total",
			Help:      "Retry attempts beyond the first per node execution.",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "axon",
			Subsystem: "executor",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
}

func (m *Metrics) observeRun(status RunStatus, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(status)).Inc()
	m.RunDuration.Observe(seconds)
}

func (m *Metrics) observeStep() {
	if m == nil {
		return
	}
	m.StepsTotal.Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}
