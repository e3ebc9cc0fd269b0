package shopify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ordertruth/internal/config"
	"github.com/sells-group/ordertruth/internal/metrics"
)

const testShop = "acme.myshopify.com"

func testConfig(baseURL string) config.ShopifyConfig {
	return config.ShopifyConfig{
		APIVersion:            "2024-10",
		BaseURL:               baseURL,
		PageSize:              250,
		TimeoutSecs:           5,
		RatePerSecond:         1000,
		RateBurst:             1000,
		MaxAttempts:           3,
		DefaultRetryAfterSecs: 2,
		MaxWaitSecs:           10,
	}
}

func testCreds() StaticCredentials {
	return StaticCredentials{testShop: "shpat_test"}
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return nil
}

func newRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestDo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), testCreds())
	resp, err := c.Do(context.Background(), newRequest(t, srv.URL), "orders")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDo_RetryAfterHonored(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), testCreds())
	start := time.Now()
	resp, err := c.Do(context.Background(), newRequest(t, srv.URL), "orders")
	elapsed := time.Since(start)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, elapsed, 1900*time.Millisecond)
}

func TestDo_ExhaustedReturnsLastResponse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"errors":"Exceeded 2 calls per second"}`)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := NewClient(testConfig(srv.URL), testCreds(), WithSleep(rec.sleep))
	resp, err := c.Do(context.Background(), newRequest(t, srv.URL), "orders")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, rec.waits)
}

func TestDo_DefaultWaitAndCap(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 2 {
			w.Header().Set("Retry-After", "120")
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	cfg := testConfig(srv.URL)
	cfg.DefaultRetryAfterSecs = 3
	cfg.MaxWaitSecs = 5
	c := NewClient(cfg, testCreds(), WithSleep(rec.sleep))

	resp, err := c.Do(context.Background(), newRequest(t, srv.URL), "orders")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []time.Duration{3 * time.Second, 5 * time.Second}, rec.waits)
}

func TestDo_ServerErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), testCreds())
	resp, err := c.Do(context.Background(), newRequest(t, srv.URL), "orders")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_SleepCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(testConfig(srv.URL), testCreds(), WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := c.Do(ctx, newRequest(t, srv.URL), "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff")
}

func TestDo_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(testConfig(url), testCreds())
	_, err := c.Do(context.Background(), newRequest(t, url), "orders")
	require.Error(t, err)
}

func TestDo_RecordsMetrics(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry(), "t")
	rec := &sleepRecorder{}
	c := NewClient(testConfig(srv.URL), testCreds(), WithSleep(rec.sleep), WithMetrics(m))
	resp, err := c.Do(context.Background(), newRequest(t, srv.URL), "orders")
	require.NoError(t, err)
	resp.Body.Close()

	assert.InDelta(t, 1, testutil.ToFloat64(m.UpstreamThrottle), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("orders", "429")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("orders", "200")), 0.001)
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(config.ShopifyConfig{}, testCreds())
	assert.Equal(t, defaultAPIVersion, c.apiVersion)
	assert.Equal(t, defaultPageSize, c.pageSize)
	assert.Equal(t, 4, c.maxAttempts)
	assert.Equal(t, 2*time.Second, c.defaultRetryAfter)
	assert.Equal(t, 10*time.Second, c.maxWait)
	assert.Equal(t, "https://acme.myshopify.com/admin/api/2024-10/orders.json", c.ordersURL(testShop))
}
