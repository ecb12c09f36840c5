// Package metrics maintains the prometheus collectors the node exposes on
// its debug endpoint.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "casino"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing
// so packages can be constructed without one in tests.
type Metrics struct {
	propose     prometheus.Histogram
	verify      prometheus.Histogram
	execute     prometheus.Histogram
	mempool     prometheus.Gauge
	finalized   prometheus.Gauge
	executed    prometheus.Gauge
	certificate prometheus.Counter
	uploaded    prometheus.Gauge
	dropped     *prometheus.CounterVec
	requests    *prometheus.CounterVec
	panics      prometheus.Counter
}

// New constructs the collectors and registers them with the registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	buckets := prometheus.ExponentialBuckets(0.0005, 2, 14)

	m := Metrics{
		propose: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "propose_seconds",
			Help:      "Time taken to build a proposal.",
			Buckets:   buckets,
		}),
		verify: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verify_seconds",
			Help:      "Time taken to verify a proposal.",
			Buckets:   buckets,
		}),
		execute: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execute_seconds",
			Help:      "Time taken to execute a finalized block.",
			Buckets:   buckets,
		}),
		mempool: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mempool_depth",
			Help:      "Number of pending transactions.",
		}),
		finalized: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "finalized_height",
			Help:      "Height of the last persisted finalized block.",
		}),
		executed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executed_height",
			Help:      "Height of the last executed block.",
		}),
		certificate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificates_processed_total",
			Help:      "Number of summary certificates assembled.",
		}),
		uploaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uploaded_height",
			Help:      "Height of the last summary accepted by the indexer.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_messages_dropped_total",
			Help:      "Messages dropped because a channel was over quota or backlogged.",
		}, []string{"channel", "direction"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Number of API requests handled.",
		}, []string{"api", "code"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_panics_total",
			Help:      "Number of API requests that panicked.",
		}),
	}

	collectors := []prometheus.Collector{
		m.propose, m.verify, m.execute,
		m.mempool, m.finalized, m.executed,
		m.certificate, m.uploaded, m.dropped,
		m.requests, m.panics,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &m, nil
}

// ObservePropose records how long a proposal took since the start.
func (m *Metrics) ObservePropose(start time.Time) {
	if m == nil {
		return
	}
	m.propose.Observe(time.Since(start).Seconds())
}

// ObserveVerify records how long a verification took since the start.
func (m *Metrics) ObserveVerify(start time.Time) {
	if m == nil {
		return
	}
	m.verify.Observe(time.Since(start).Seconds())
}

// ObserveExecute records how long executing a block took since the start.
func (m *Metrics) ObserveExecute(start time.Time, height uint64) {
	if m == nil {
		return
	}
	m.execute.Observe(time.Since(start).Seconds())
	m.executed.Set(float64(height))
}

// SetMempool records the mempool depth.
func (m *Metrics) SetMempool(count int) {
	if m == nil {
		return
	}
	m.mempool.Set(float64(count))
}

// SetFinalized records the finalized height.
func (m *Metrics) SetFinalized(height uint64) {
	if m == nil {
		return
	}
	m.finalized.Set(float64(height))
}

// IncCertificates counts an assembled certificate.
func (m *Metrics) IncCertificates() {
	if m == nil {
		return
	}
	m.certificate.Inc()
}

// SetUploaded records the indexer upload cursor.
func (m *Metrics) SetUploaded(height uint64) {
	if m == nil {
		return
	}
	m.uploaded.Set(float64(height))
}

// IncDropped counts a message dropped on a peer channel.
func (m *Metrics) IncDropped(channel string, direction string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(channel, direction).Inc()
}

// IncRequest counts a request handled by the api with the status code.
func (m *Metrics) IncRequest(api string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(api, strconv.Itoa(code)).Inc()
}

// IncPanic counts a request that panicked.
func (m *Metrics) IncPanic() {
	if m == nil {
		return
	}
	m.panics.Inc()
}
