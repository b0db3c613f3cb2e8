// Package metrics provides Prometheus metrics for Infergate's pool
// and turn engine: request outcomes, queue depth, instance churn.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "infergate",
		Name:      "requests_total",
		Help:      "Total requests handled by the pool, by kind and outcome.",
	}, []string{"kind", "model", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "infergate",
		Name:      "request_duration_seconds",
		Help:      "Wall-clock duration of pool requests, by kind and model.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"kind", "model"})

	instancesSpawned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "infergate",
		Name:      "instances_spawned_total",
		Help:      "Total instance spawns, by model.",
	}, []string{"model"})

	// QueueDepth is kept current by the pool as waiters come and go.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "infergate",
		Name:      "queue_depth",
		Help:      "Current FIFO admission queue depth.",
	})

	// LiveInstances is kept current by the pool as slots spawn and die.
	LiveInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "infergate",
		Name:      "live_instances",
		Help:      "Current number of live instances across all models.",
	})
)

// Metrics is a thin facade the pool calls into, keeping the
// prometheus/client_golang import confined to this package.
type Metrics struct{}

func New() *Metrics { return &Metrics{} }

func (m *Metrics) ObserveChat(model string, ok bool, d time.Duration) {
	requestsTotal.WithLabelValues("chat", model, outcome(ok)).Inc()
	requestDuration.WithLabelValues("chat", model).Observe(d.Seconds())
}

func (m *Metrics) ObserveCompletion(model string, ok bool, d time.Duration) {
	requestsTotal.WithLabelValues("completion", model, outcome(ok)).Inc()
	requestDuration.WithLabelValues("completion", model).Observe(d.Seconds())
}

func (m *Metrics) ObserveEmbedding(model string, ok bool, d time.Duration) {
	requestsTotal.WithLabelValues("embedding", model, outcome(ok)).Inc()
	requestDuration.WithLabelValues("embedding", model).Observe(d.Seconds())
}

func (m *Metrics) InstanceSpawned(model string) {
	instancesSpawned.WithLabelValues(model).Inc()
}

func (m *Metrics) SetQueueDepth(n int)    { QueueDepth.Set(float64(n)) }
func (m *Metrics) SetLiveInstances(n int) { LiveInstances.Set(float64(n)) }

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
