package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/ordertruth/internal/config"
	"github.com/sells-group/ordertruth/internal/reconcile"
)

// Warmer runs throttled reconciliations.
type Warmer interface {
	EnsureReconciled(ctx context.Context, req reconcile.Request) reconcile.RunResult
}

// Checker runs the keep-warm and alert loop in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	warmer    Warmer
	accounts  []string
	interval  time.Duration
	log       *zap.Logger
}

// NewChecker creates a background checker. warmer may be nil to only
// observe health.
func NewChecker(cfg config.MonitorConfig, accounts []string, source HealthSource, warmer Warmer) *Checker {
	interval := time.Duration(cfg.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if !cfg.KeepWarm {
		warmer = nil
	}
	return &Checker{
		collector: NewCollector(source, accounts, cfg.Scopes),
		alerter:   NewAlerter(cfg.WebhookURL, time.Duration(cfg.AlertCooldownMins)*time.Minute),
		warmer:    warmer,
		accounts:  accounts,
		interval:  interval,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("starting truth checker",
		zap.Duration("interval", c.interval),
		zap.Int("accounts", len(c.accounts)),
		zap.Bool("keep_warm", c.warmer != nil),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("truth checker stopped")
			return
		case <-ticker.C:
			c.check(ctx)
		}
	}
}

func (c *Checker) check(ctx context.Context) {
	if c.warmer != nil {
		for _, account := range c.accounts {
			res := c.warmer.EnsureReconciled(ctx, reconcile.Request{Account: account, Scope: reconcile.ScopeToday})
			if !res.OK {
				c.log.Warn("monitoring: keep-warm run failed",
					zap.String("account", account),
					zap.String("error", res.Error),
				)
			}
		}
	}

	snap, err := c.collector.Collect(ctx)
	if err != nil {
		c.log.Error("monitoring: failed to collect health", zap.Error(err))
		return
	}

	c.alerter.Resolve(snap.Health)
	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		c.log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
