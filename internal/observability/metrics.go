// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for callbridge.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for fast-path
// access from the dispatch and delivery hot paths.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	callsCreated      int64
	duplicatesIgnored int64
	deliveriesOK      int64
	deliveriesFailed  int64
	deliveriesRetried int64
	circuitRejected   int64
	sessionsEvicted   int64
	sessionsStale     int64

	// In-flight backend deliveries. Incremented on dispatch, decremented
	// when the delivery settles either way.
	inFlight int64

	// Prometheus counters for scraping.
	promCallsCreated      prometheus.Counter
	promDuplicatesIgnored prometheus.Counter
	promDeliveriesOK      prometheus.Counter
	promDeliveriesFailed  prometheus.Counter
	promDeliveriesRetried prometheus.Counter
	promCircuitRejected   prometheus.Counter
	promSessionsEvicted   prometheus.Counter
	promSessionsStale     prometheus.Counter

	promInFlight       prometheus.Gauge
	promSessionsActive prometheus.Gauge
	promDedupTracked   prometheus.Gauge
	promCircuitState   *prometheus.GaugeVec

	// Delivery latency per outcome. Outcomes are a small fixed set, so the
	// label is safe from cardinality explosions.
	PromDeliveryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promCallsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "calls_created_total",
			Help:      "Total number of call sessions created.",
		}),
		promDuplicatesIgnored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "duplicates_ignored_total",
			Help:      "Total number of duplicate call notifications ignored.",
		}),
		promDeliveriesOK: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "deliveries_ok_total",
			Help:      "Total number of backend deliveries that succeeded.",
		}),
		promDeliveriesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "deliveries_failed_total",
			Help:      "Total number of backend deliveries that failed after retries.",
		}),
		promDeliveriesRetried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "deliveries_retried_total",
			Help:      "Total number of backend delivery retry attempts.",
		}),
		promCircuitRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "circuit_rejected_total",
			Help:      "Total number of deliveries rejected by an open circuit.",
		}),
		promSessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "sessions_evicted_total",
			Help:      "Total number of sessions evicted by the LRU capacity bound.",
		}),
		promSessionsStale: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "sessions_stale_total",
			Help:      "Total number of sessions closed by the stale sweep.",
		}),
		promInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Name:      "deliveries_in_flight",
			Help:      "Number of backend deliveries currently in flight.",
		}),
		promSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Name:      "sessions_active",
			Help:      "Number of active call sessions.",
		}),
		promDedupTracked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Name:      "dedup_tracked",
			Help:      "Number of identifiers held in the exact dedup maps.",
		}),
		promCircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Name:      "circuit_state",
			Help:      "Circuit breaker state (1 for the active state, 0 otherwise).",
		}, []string{"state"}),
		PromDeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callbridge",
			Name:      "delivery_duration_seconds",
			Help:      "Backend delivery duration in seconds, attempts included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	return m
}

// IncCallsCreated increments the created-calls counter.
func (m *Metrics) IncCallsCreated() {
	atomic.AddInt64(&m.callsCreated, 1)
	m.promCallsCreated.Inc()
}

// IncDuplicatesIgnored increments the ignored-duplicates counter.
func (m *Metrics) IncDuplicatesIgnored() {
	atomic.AddInt64(&m.duplicatesIgnored, 1)
	m.promDuplicatesIgnored.Inc()
}

// IncDeliveriesOK increments the successful-deliveries counter.
func (m *Metrics) IncDeliveriesOK() {
	atomic.AddInt64(&m.deliveriesOK, 1)
	m.promDeliveriesOK.Inc()
}

// IncDeliveriesFailed increments the failed-deliveries counter.
func (m *Metrics) IncDeliveriesFailed() {
	atomic.AddInt64(&m.deliveriesFailed, 1)
	m.promDeliveriesFailed.Inc()
}

// IncDeliveriesRetried increments the retry-attempt counter.
func (m *Metrics) IncDeliveriesRetried() {
	atomic.AddInt64(&m.deliveriesRetried, 1)
	m.promDeliveriesRetried.Inc()
}

// IncCircuitRejected increments the open-circuit rejection counter.
func (m *Metrics) IncCircuitRejected() {
	atomic.AddInt64(&m.circuitRejected, 1)
	m.promCircuitRejected.Inc()
}

// IncSessionsEvicted increments the LRU eviction counter.
func (m *Metrics) IncSessionsEvicted() {
	atomic.AddInt64(&m.sessionsEvicted, 1)
	m.promSessionsEvicted.Inc()
}

// IncSessionsStale increments the stale-sweep counter.
func (m *Metrics) IncSessionsStale() {
	atomic.AddInt64(&m.sessionsStale, 1)
	m.promSessionsStale.Inc()
}

// AddInFlight adjusts the in-flight delivery gauge by delta and returns the
// new value.
func (m *Metrics) AddInFlight(delta int64) int64 {
	n := atomic.AddInt64(&m.inFlight, delta)
	m.promInFlight.Set(float64(n))
	return n
}

// InFlight returns the current number of in-flight deliveries.
func (m *Metrics) InFlight() int64 {
	return atomic.LoadInt64(&m.inFlight)
}

// SetSessionsActive records the current active session count.
func (m *Metrics) SetSessionsActive(n int) {
	m.promSessionsActive.Set(float64(n))
}

// SetDedupTracked records the current exact dedup map size.
func (m *Metrics) SetDedupTracked(n int) {
	m.promDedupTracked.Set(float64(n))
}

// SetCircuitState records the circuit breaker state as a one-hot gauge.
func (m *Metrics) SetCircuitState(state string) {
	for _, s := range []string{"CLOSED", "OPEN", "HALF_OPEN"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.promCircuitState.WithLabelValues(s).Set(v)
	}
}

// ObserveDelivery records one settled delivery's total duration.
func (m *Metrics) ObserveDelivery(outcome string, seconds float64) {
	m.PromDeliveryDuration.WithLabelValues(outcome).Observe(seconds)
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	CallsCreated      int64 `json:"calls_created"`
	DuplicatesIgnored int64 `json:"duplicates_ignored"`
	DeliveriesOK      int64 `json:"deliveries_ok"`
	DeliveriesFailed  int64 `json:"deliveries_failed"`
	DeliveriesRetried int64 `json:"deliveries_retried"`
	CircuitRejected   int64 `json:"circuit_rejected"`
	SessionsEvicted   int64 `json:"sessions_evicted"`
	SessionsStale     int64 `json:"sessions_stale"`
	InFlight          int64 `json:"in_flight"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		CallsCreated:      atomic.LoadInt64(&m.callsCreated),
		DuplicatesIgnored: atomic.LoadInt64(&m.duplicatesIgnored),
		DeliveriesOK:      atomic.LoadInt64(&m.deliveriesOK),
		DeliveriesFailed:  atomic.LoadInt64(&m.deliveriesFailed),
		DeliveriesRetried: atomic.LoadInt64(&m.deliveriesRetried),
		CircuitRejected:   atomic.LoadInt64(&m.circuitRejected),
		SessionsEvicted:   atomic.LoadInt64(&m.sessionsEvicted),
		SessionsStale:     atomic.LoadInt64(&m.sessionsStale),
		InFlight:          atomic.LoadInt64(&m.inFlight),
	}
}
