package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "ordertruth")

	m.ObserveRun("today", "ok", 2*time.Second)
	m.AddOrders("insert", 3)
	m.ObserveUpstream("orders", 200)
	m.Throttled()
	m.FactLookup("found")
	m.SetRateSourceState("primary", 0)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"ordertruth_runs_total",
		"ordertruth_run_duration_seconds",
		"ordertruth_orders_total",
		"ordertruth_upstream_requests_total",
		"ordertruth_upstream_throttled_total",
		"ordertruth_fact_lookups_total",
		"ordertruth_rate_source_circuit_state",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry(), "t")

	m.AddOrders("update", 2)
	m.AddOrders("update", 0)
	m.ObserveUpstream("orders", 429)
	m.ObserveUpstream("orders", 0)
	m.Throttled()
	m.Throttled()

	assert.InDelta(t, 2, testutil.ToFloat64(m.Orders.WithLabelValues("update")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("orders", "429")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("orders", "error")), 0.001)
	assert.InDelta(t, 2, testutil.ToFloat64(m.UpstreamThrottle), 0.001)
}

func TestNilMetrics_NoPanic(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRun("today", "ok", time.Second)
		m.AddOrders("insert", 1)
		m.ObserveUpstream("orders", 200)
		m.Throttled()
		m.FactLookup("error")
		m.SetRateSourceState("primary", 1)
	})
}

func TestNew_NilRegistry(t *testing.T) {
	m := New(nil, "")
	require.NotNil(t, m)
	m.FactLookup("none")
	assert.InDelta(t, 1, testutil.ToFloat64(m.FactLookups.WithLabelValues("none")), 0.001)
}

func TestSetRateSourceState(t *testing.T) {
	m := New(prometheus.NewRegistry(), "t")

	m.SetRateSourceState("primary", 1)
	m.SetRateSourceState("fallback", 0)
	m.SetRateSourceState("primary", 2)

	assert.InDelta(t, 2, testutil.ToFloat64(m.RateSources.WithLabelValues("primary")), 0.001)
	assert.InDelta(t, 0, testutil.ToFloat64(m.RateSources.WithLabelValues("fallback")), 0.001)
}
