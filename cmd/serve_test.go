//go:build !integration

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getFreePort returns a free TCP port on localhost.
func getFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

func newTestEnv(t *testing.T) *appEnv {
	t.Helper()
	useTestConfig(t)
	env, err := initApp(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env
}

func TestBuildRouter_Routes(t *testing.T) {
	env := newTestEnv(t)
	h := buildRouter(env, prometheus.NewRegistry())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts/acme.myshopify.com/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "today", health["scope"])
	assert.Equal(t, true, health["stale"])
}

func TestBuildRouter_ReconcileWithoutCredentials(t *testing.T) {
	env := newTestEnv(t)
	h := buildRouter(env, prometheus.NewRegistry())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/accounts/unknown.myshopify.com/reconcile", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	entries, err := env.Store.ListAudit(context.Background(), 10)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestBuildRouter_RatesRefresh(t *testing.T) {
	useTestConfig(t)
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"base":"USD","rates":{"USD":1,"EUR":0.92,"GBP":0.79}}`)
	}))
	defer src.Close()
	cfg.FX.PrimaryURL = src.URL

	env, err := initApp(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(env.Close)
	h := buildRouter(env, prometheus.NewRegistry())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/rates/refresh", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "USD", got["base"])
	assert.Equal(t, "primary", got["source"])
	assert.InDelta(t, 3, got["rates"], 0.001)
}

func TestBuildRouter_RatesRefreshNoSources(t *testing.T) {
	env := newTestEnv(t)
	h := buildRouter(env, prometheus.NewRegistry())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/rates/refresh", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "no rate sources configured")
}

func TestBuildRouter_ServerLifecycle(t *testing.T) {
	env := newTestEnv(t)

	port := getFreePort(t)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           buildRouter(env, prometheus.NewRegistry()),
		ReadHeaderTimeout: time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var ready bool
	for i := 0; i < 50; i++ {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
		if err == nil {
			_ = resp.Body.Close()
			ready = resp.StatusCode == http.StatusOK
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, ready, "server did not become ready in time")

	require.NoError(t, srv.Shutdown(context.Background()))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
