package bus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// latencySampleCap bounds the in-process latency reservoir.
const latencySampleCap = 4096

// Metrics tracks bus activity with atomic counters plus a latency reservoir
// for p50/p95/p99. A prometheus registry may be attached for scraping; the
// in-process snapshot works without one.
type Metrics struct {
	published    atomic.Uint64
	consumed     atomic.Uint64
	acked        atomic.Uint64
	naked        atomic.Uint64
	deadLettered atomic.Uint64
	redeliveries atomic.Uint64
	maxLag       atomic.Int64

	mu      sync.Mutex
	samples []float64 // processing latency seconds, ring buffer
	next    int
	full    bool

	promPublished    *prometheus.CounterVec
	promConsumed     *prometheus.CounterVec
	promAcked        *prometheus.CounterVec
	promNaked        *prometheus.CounterVec
	promDeadLettered *prometheus.CounterVec
	promRedelivered  *prometheus.CounterVec
	promLatency      prometheus.Histogram
	promLag          *prometheus.GaugeVec
}

// MetricsSnapshot is a point-in-time view of the counters.
type MetricsSnapshot struct {
	Published    uint64
	Consumed     uint64
	Acked        uint64
	Naked        uint64
	DeadLettered uint64
	Redeliveries uint64
	LatencyP50   float64
	LatencyP95   float64
	LatencyP99   float64
	MaxLag       int64
}

// NewMetrics builds bus metrics. reg may be nil to skip prometheus export.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{samples: make([]float64, latencySampleCap)}
	if reg == nil {
		return m
	}
	m.promPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_bus_published_total", Help: "Frames published per topic.",
	}, []string{"topic"})
	m.promConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_bus_consumed_total", Help: "Frames delivered to handlers per topic.",
	}, []string{"topic"})
	m.promAcked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_bus_acked_total", Help: "Frames acknowledged per topic.",
	}, []string{"topic"})
	m.promNaked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_bus_naked_total", Help: "Processing failures (naks) per topic.",
	}, []string{"topic"})
	m.promDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_bus_dead_lettered_total", Help: "Frames moved to the DLQ per topic.",
	}, []string{"topic"})
	m.promRedelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_bus_redeliveries_total", Help: "Redelivery attempts per topic.",
	}, []string{"topic"})
	m.promLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cs_bus_process_seconds",
		Help:    "Handler processing latency.",
		Buckets: prometheus.DefBuckets,
	})
	m.promLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cs_bus_consumer_lag", Help: "Undelivered frames per topic and durable.",
	}, []string{"topic", "durable"})
	reg.MustRegister(m.promPublished, m.promConsumed, m.promAcked, m.promNaked,
		m.promDeadLettered, m.promRedelivered, m.promLatency, m.promLag)
	return m
}

func (m *Metrics) Published(topic string) {
	m.published.Add(1)
	if m.promPublished != nil {
		m.promPublished.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) Consumed(topic string) {
	m.consumed.Add(1)
	if m.promConsumed != nil {
		m.promConsumed.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) Acked(topic string) {
	m.acked.Add(1)
	if m.promAcked != nil {
		m.promAcked.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) Naked(topic string) {
	m.naked.Add(1)
	if m.promNaked != nil {
		m.promNaked.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) DeadLettered(topic string) {
	m.deadLettered.Add(1)
	if m.promDeadLettered != nil {
		m.promDeadLettered.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) Redelivered(topic string) {
	m.redeliveries.Add(1)
	if m.promRedelivered != nil {
		m.promRedelivered.WithLabelValues(topic).Inc()
	}
}

// ObserveLatency records one handler processing duration.
func (m *Metrics) ObserveLatency(d time.Duration) {
	secs := d.Seconds()
	m.mu.Lock()
	m.samples[m.next] = secs
	m.next++
	if m.next == len(m.samples) {
		m.next = 0
		m.full = true
	}
	m.mu.Unlock()
	if m.promLatency != nil {
		m.promLatency.Observe(secs)
	}
}

// ObserveLag records consumer lag sampled after a fetch batch.
func (m *Metrics) ObserveLag(topic, durable string, lag int64) {
	for {
		cur := m.maxLag.Load()
		if lag <= cur || m.maxLag.CompareAndSwap(cur, lag) {
			break
		}
	}
	if m.promLag != nil {
		m.promLag.WithLabelValues(topic, durable).Set(float64(lag))
	}
}

// Snapshot returns current counter values and latency percentiles.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Published:    m.published.Load(),
		Consumed:     m.consumed.Load(),
		Acked:        m.acked.Load(),
		Naked:        m.naked.Load(),
		DeadLettered: m.deadLettered.Load(),
		Redeliveries: m.redeliveries.Load(),
		MaxLag:       m.maxLag.Load(),
	}
	m.mu.Lock()
	n := m.next
	if m.full {
		n = len(m.samples)
	}
	sorted := make([]float64, n)
	copy(sorted, m.samples[:n])
	m.mu.Unlock()
	if n == 0 {
		return s
	}
	sort.Float64s(sorted)
	s.LatencyP50 = percentile(sorted, 0.50)
	s.LatencyP95 = percentile(sorted, 0.95)
	s.LatencyP99 = percentile(sorted, 0.99)
	return s
}

// percentile reads the nearest-rank percentile from a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
