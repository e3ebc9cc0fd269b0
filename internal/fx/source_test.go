package fx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ordertruth/internal/metrics"
	"github.com/sells-group/ordertruth/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		Sleep:          func(context.Context, time.Duration) error { return nil },
	}
}

func TestHTTPSource_ERAPIFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"result":"success","base_code":"USD","rates":{"USD":1,"GBP":0.79,"EUR":0.92,"BTC":0.00001,"ZZZ":-1}}`)
	}))
	defer srv.Close()

	src := NewHTTPSource("primary", srv.URL, "USD", srv.Client())
	tbl, err := src.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "USD", tbl.Base)
	assert.Equal(t, "primary", tbl.Source)
	assert.True(t, d("0.79").Equal(tbl.Rates["GBP"]))
	assert.NotContains(t, tbl.Rates, "BTC")
	assert.NotContains(t, tbl.Rates, "ZZZ")
	assert.False(t, tbl.FetchedAt.IsZero())
}

func TestHTTPSource_FrankfurterFormatAddsBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"amount":1.0,"base":"USD","date":"2026-10-16","rates":{"GBP":0.8}}`)
	}))
	defer srv.Close()

	tbl, err := NewHTTPSource("fallback", srv.URL, "", srv.Client()).Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, d("1").Equal(tbl.Rates["USD"]))
}

func TestHTTPSource_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"server error", http.StatusServiceUnavailable, "", true},
		{"not found", http.StatusNotFound, "", false},
		{"bad json", http.StatusOK, "not json", false},
		{"error result", http.StatusOK, `{"result":"error","rates":{}}`, false},
		{"no rates", http.StatusOK, `{"base":"USD","rates":{}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewHTTPSource("s", srv.URL, "USD", srv.Client()).Fetch(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
		})
	}
}

func TestChain_FallsBackToSecondSource(t *testing.T) {
	var primaryCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"base":"USD","rates":{"GBP":0.8}}`)
	}))
	defer fallback.Close()

	chain := NewChain(fastRetry(), resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour},
		NewHTTPSource("primary", primary.URL, "USD", primary.Client()),
		NewHTTPSource("fallback", fallback.URL, "USD", fallback.Client()),
	)

	tbl, err := chain.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fallback", tbl.Source)
	assert.Equal(t, int32(2), primaryCalls.Load())
	assert.Equal(t, resilience.CircuitOpen, chain.States()["primary"])

	// Open breaker skips the primary entirely.
	_, err = chain.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), primaryCalls.Load())
}

func TestChain_PublishesCircuitStates(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry(), "t")
	chain := NewChain(fastRetry(), resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour},
		failingSource{err: errors.New("down")},
		StaticSource{Table: usdTable()},
	)
	chain.SetMetrics(m)

	tbl, err := chain.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "USD", tbl.Base)

	assert.InDelta(t, float64(resilience.CircuitOpen), testutil.ToFloat64(m.RateSources.WithLabelValues("failing")), 0.001)
	assert.InDelta(t, float64(resilience.CircuitClosed), testutil.ToFloat64(m.RateSources.WithLabelValues("static")), 0.001)
}

type failingSource struct{ err error }

func (f failingSource) Name() string { return "failing" }
func (f failingSource) Fetch(context.Context) (*Table, error) { return nil, f.err }

func TestChain_AllFail(t *testing.T) {
	chain := NewChain(fastRetry(), resilience.DefaultCircuitBreakerConfig(), failingSource{err: errors.New("down")})
	_, err := chain.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all rate sources failed")
	assert.Contains(t, err.Error(), "failing: down")

	_, err = NewChain(fastRetry(), resilience.DefaultCircuitBreakerConfig()).Fetch(context.Background())
	require.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	tbl, err := StaticSource{Table: usdTable()}.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "USD", tbl.Base)

	_, err = StaticSource{}.Fetch(context.Background())
	require.Error(t, err)
}
