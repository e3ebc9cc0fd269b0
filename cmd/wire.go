package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sells-group/ordertruth/internal/facts"
	"github.com/sells-group/ordertruth/internal/fx"
	"github.com/sells-group/ordertruth/internal/metrics"
	"github.com/sells-group/ordertruth/internal/reconcile"
	"github.com/sells-group/ordertruth/internal/resilience"
	"github.com/sells-group/ordertruth/internal/shopify"
	"github.com/sells-group/ordertruth/internal/truth"
)

// appEnv holds the wired collaborators for one command invocation.
type appEnv struct {
	Store   truth.Store
	Engine  *reconcile.Engine
	Rates   *fx.RateCache
	Metrics *metrics.Metrics

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
}

// initApp opens the store and wires the fetch client, rate cache, fact
// cache, and engine. reg may be nil to skip metric registration.
func initApp(ctx context.Context, reg prometheus.Registerer) (*appEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, closers: []func() error{st.Close}}

	env.Metrics = metrics.New(reg, cfg.Metrics.Namespace)

	creds := shopify.CredentialsFromConfig(cfg.Shopify.Shops)
	client := shopify.NewClient(cfg.Shopify, creds, shopify.WithMetrics(env.Metrics))

	rates := buildRateCache(env)
	env.Rates = rates

	factCache := facts.New(st, client,
		facts.WithWorkers(cfg.Reconcile.FactWorkers),
		facts.WithMetrics(env.Metrics),
	)

	env.Engine = reconcile.New(cfg.Reconcile, cfg.FX.ReportingCurrency, reconcile.Deps{
		Store:       st,
		Fetcher:     client,
		Credentials: creds,
		Rates:       rates,
		Facts:       factCache,
		Metrics:     env.Metrics,
	})
	return env, nil
}

func buildRateCache(env *appEnv) *fx.RateCache {
	httpClient := &http.Client{Timeout: 15 * time.Second}

	var sources []fx.Source
	if cfg.FX.PrimaryURL != "" {
		sources = append(sources, fx.NewHTTPSource("primary", cfg.FX.PrimaryURL, "USD", httpClient))
	}
	if cfg.FX.FallbackURL != "" {
		sources = append(sources, fx.NewHTTPSource("fallback", cfg.FX.FallbackURL, "USD", httpClient))
	}

	chain := fx.NewChain(
		resilience.FromRetryConfig(cfg.FX.RetryAttempts, cfg.FX.RetryBackoffMs),
		resilience.FromCircuitConfig(cfg.FX.BreakerThreshold, cfg.FX.BreakerResetSecs),
		sources...,
	)
	chain.SetMetrics(env.Metrics)

	opts := []fx.CacheOption{fx.WithTTL(cfg.FX.TTL())}
	if cfg.FX.RedisAddr != "" {
		snap := fx.NewRedisSnapshot(fx.RedisConfig{
			Addr:     cfg.FX.RedisAddr,
			Password: cfg.FX.RedisPassword,
			DB:       cfg.FX.RedisDB,
		}, 7*24*time.Hour)
		env.closers = append(env.closers, snap.Close)
		opts = append(opts, fx.WithSnapshot(snap))
	}
	return fx.NewRateCache(chain, opts...)
}
