// Package metrics exposes Prometheus collectors for the indexer access layer.
//
// Every method is safe to call on a nil *Metrics, so components take an
// optional *Metrics and never check for it.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "subql"

// Metrics holds the collectors.
type Metrics struct {
	fetchAttempts   *prometheus.CounterVec
	fetchedBlocks   *prometheus.CounterVec
	fetchDuration   prometheus.Histogram
	cacheHits       prometheus.Counter
	guardRejections *prometheus.CounterVec
	endpointUp      *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "Block batch fetch attempts by result.",
		}, []string{"result"}),

		fetchedBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "blocks_total",
			Help:      "Blocks fetched by strategy.",
		}, []string{"strategy"}),

		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "batch_duration_seconds",
			Help:      "Duration of successful block batch fetches, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "cache_hits_total",
			Help:      "Blocks served from the local block cache.",
		}),

		guardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "historic",
			Name:      "rejections_total",
			Help:      "Calls refused by a snapshot view, by reason.",
		}, []string{"reason"}),

		endpointUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "endpoint_up",
			Help:      "1 if the endpoint is connected, 0 otherwise.",
		}, []string{"index", "url"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.fetchAttempts,
			m.fetchedBlocks,
			m.fetchDuration,
			m.cacheHits,
			m.guardRejections,
			m.endpointUp,
		)
	}
	return m
}

// ObserveAttempt counts one fetch attempt.
func (m *Metrics) ObserveAttempt(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.fetchAttempts.WithLabelValues(result).Inc()
}

// ObserveBlocks counts fetched blocks.
func (m *Metrics) ObserveBlocks(strategy string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.fetchedBlocks.WithLabelValues(strategy).Add(float64(n))
}

// ObserveFetchDuration records the duration of a successful batch.
func (m *Metrics) ObserveFetchDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(d.Seconds())
}

// ObserveCacheHits counts blocks served from cache.
func (m *Metrics) ObserveCacheHits(n int) {
	if m == nil || n == 0 {
		return
	}
	m.cacheHits.Add(float64(n))
}

// ObserveRejection counts a call refused by a snapshot view.
func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.guardRejections.WithLabelValues(reason).Inc()
}

// SetEndpoint records an endpoint's liveness.
func (m *Metrics) SetEndpoint(index int, url string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.endpointUp.WithLabelValues(strconv.Itoa(index), url).Set(v)
}
