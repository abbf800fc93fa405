package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/podping/hivedispatch/internal/pool"
)

// Sources are read lazily on every scrape, so the queue stays
// metrics-agnostic and the counters cannot drift from the queue's own totals.
type Sources struct {
	QueueDepth     func() float64
	PingsReceived  func() float64
	PingsDuplicate func() float64
}

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	PingsRejected *prometheus.CounterVec
	PingsSent     prometheus.Counter

	BatchesCommitted prometheus.Counter
	BatchesExhausted *prometheus.CounterVec
	DispatchLatency  prometheus.Histogram
	DispatchAttempts prometheus.Histogram

	EndpointHealth *prometheus.GaugeVec
}

// New registers all instruments with the given registerer.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer, src Sources) *Metrics {
	m := &Metrics{
		PingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pings_rejected_total",
			Help: "Total number of rejected submissions.",
		}, []string{"reason"}),
		PingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pings_sent_total",
			Help: "Total number of IRIs written to the ledger in committed batches.",
		}),

		BatchesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batches_committed_total",
			Help: "Total number of batches accepted by the ledger.",
		}),
		BatchesExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batches_exhausted_total",
			Help: "Total number of batches that reached a terminal failure.",
		}, []string{"reason"}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batch_dispatch_seconds",
			Help:    "End-to-end dispatch latency from first attempt to commit.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		DispatchAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batch_dispatch_attempts",
			Help:    "Submit attempts needed before a batch committed.",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		}),

		EndpointHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "endpoint_health_state",
			Help: "Endpoint health tier: 0 healthy, 1 degraded, 2 quarantined.",
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		m.PingsRejected,
		m.PingsSent,
		m.BatchesCommitted,
		m.BatchesExhausted,
		m.DispatchLatency,
		m.DispatchAttempts,
		m.EndpointHealth,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of IRIs pending in the batching queue.",
		}, src.QueueDepth),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pings_received_total",
			Help: "Total number of submissions absorbed by the batching queue.",
		}, src.PingsReceived),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pings_duplicate_total",
			Help: "Total number of enqueues collapsed into an already-pending IRI.",
		}, src.PingsDuplicate),
	)

	return m
}

// RejectedHook returns the callback the ping service fires when a submission
// is refused before it reaches the queue.
func (m *Metrics) RejectedHook() func(reason string) {
	return func(reason string) {
		m.PingsRejected.WithLabelValues(reason).Inc()
	}
}

// DispatchHooks returns the metric callbacks expected by dispatch.Hooks.
// Centralises the prometheus observation calls so the broadcaster stays
// import-free.
func (m *Metrics) DispatchHooks() (
	onCommitted func(iris, attempts int, latency time.Duration),
	onExhausted func(iris int, reason string),
) {
	onCommitted = func(iris, attempts int, latency time.Duration) {
		m.PingsSent.Add(float64(iris))
		m.BatchesCommitted.Inc()
		m.DispatchLatency.Observe(latency.Seconds())
		m.DispatchAttempts.Observe(float64(attempts))
	}
	onExhausted = func(_ int, reason string) {
		m.BatchesExhausted.WithLabelValues(reasonLabel(reason)).Inc()
	}
	return
}

// reasonLabel buckets free-form exhaustion reasons into a bounded label set.
func reasonLabel(reason string) string {
	switch {
	case strings.Contains(reason, "no endpoints"):
		return "no_endpoints"
	case strings.HasPrefix(reason, "retries exhausted"):
		return "retries_exhausted"
	case strings.Contains(reason, "backoff ceiling"):
		return "backoff_ceiling"
	case strings.Contains(reason, "shut down"):
		return "shutdown"
	}
	return "fatal"
}

// PoolHook returns the health-transition callback for pool.OnTransition.
func (m *Metrics) PoolHook() func(url string, h pool.Health) {
	return func(url string, h pool.Health) {
		m.EndpointHealth.WithLabelValues(url).Set(float64(h))
	}
}
