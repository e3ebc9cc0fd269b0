// Package metrics holds the Prometheus collectors for reconciliation runs,
// truth store writes, and upstream API traffic.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Runs             *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	Orders           *prometheus.CounterVec
	UpstreamRequests *prometheus.CounterVec
	UpstreamThrottle prometheus.Counter
	FactLookups      *prometheus.CounterVec
	RateSources      *prometheus.GaugeVec
}

// New builds the collectors and registers them with reg. A nil reg skips
// registration, which keeps tests isolated from the default registry.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Reconciliation runs by scope and outcome.",
		}, []string{"scope", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of reconciliation runs.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"scope"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Orders applied to the truth store by merge action.",
		}, []string{"action"}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream API requests by endpoint and HTTP status.",
		}, []string{"endpoint", "status"}),
		UpstreamThrottle: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_throttled_total",
			Help:      "Upstream 429 responses that triggered a backoff.",
		}),
		FactLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fact_lookups_total",
			Help:      "Customer first-order lookups by outcome.",
		}, []string{"outcome"}),
		RateSources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_source_circuit_state",
			Help:      "Circuit state per exchange-rate source (0 closed, 1 open, 2 half-open).",
		}, []string{"source"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Runs,
			m.RunDuration,
			m.Orders,
			m.UpstreamRequests,
			m.UpstreamThrottle,
			m.FactLookups,
			m.RateSources,
		)
	}
	return m
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(scope, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(scope, outcome).Inc()
	m.RunDuration.WithLabelValues(scope).Observe(elapsed.Seconds())
}

// AddOrders counts n orders for a merge action.
func (m *Metrics) AddOrders(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Orders.WithLabelValues(action).Add(float64(n))
}

// ObserveUpstream records a single upstream response. A status of 0 means
// the request never got a response.
func (m *Metrics) ObserveUpstream(endpoint string, status int) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.UpstreamRequests.WithLabelValues(endpoint, label).Inc()
}

// Throttled counts a 429 backoff.
func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.UpstreamThrottle.Inc()
}

// FactLookup counts a customer lookup outcome ("found", "none", "error").
func (m *Metrics) FactLookup(outcome string) {
	if m == nil {
		return
	}
	m.FactLookups.WithLabelValues(outcome).Inc()
}

// SetRateSourceState records the circuit state of one rate source.
func (m *Metrics) SetRateSourceState(source string, state int) {
	if m == nil {
		return
	}
	m.RateSources.WithLabelValues(source).Set(float64(state))
}
