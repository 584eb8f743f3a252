// Package metrics holds the Prometheus collectors of the coordinator.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "sluice"

var (
	requestsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "requests_submitted_total",
			Help:      "Count of cluster-wide requests accepted, by kind.",
		},
		[]string{"kind"},
	)
	requestsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "requests_finished_total",
			Help:      "Count of requests that reached a terminal state, by kind and state.",
		},
		[]string{"kind", "state"},
	)
	nodeSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "node_steps_total",
			Help:      "Count of node-level steps, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "node_step_duration_seconds",
			Help:      "Latency of node-level steps as seen by the coordinator.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)
	liveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "live_requests",
			Help:      "Number of requests held by the coordinator registry.",
		},
	)
)

// Step outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeAbandoned   = "abandoned"
	OutcomeUnavailable = "unavailable"
)

var registerMetrics sync.Once

// Register adds all collectors to reg. Only the first call has an effect;
// a nil reg uses the default registerer.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(requestsSubmitted, requestsFinished, nodeSteps, stepDuration, liveRequests)
	})
}

// RecordSubmitted counts an accepted request.
func RecordSubmitted(kind string) {
	requestsSubmitted.WithLabelValues(kind).Inc()
}

// RecordFinished counts a request entering its terminal state.
func RecordFinished(kind, state string) {
	requestsFinished.WithLabelValues(kind, state).Inc()
}

// RecordStep counts one node step and observes its latency.
func RecordStep(kind, outcome string, elapsed time.Duration) {
	nodeSteps.WithLabelValues(kind, outcome).Inc()
	stepDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// SetLiveRequests sets the registry size gauge.
func SetLiveRequests(n int) {
	liveRequests.Set(float64(n))
}
