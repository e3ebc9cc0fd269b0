// Package monitoring keeps the truth store warm and alerts when it falls
// behind.
package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/ordertruth/internal/reconcile"
)

// HealthSource reports truth health per (account, scope).
type HealthSource interface {
	TruthHealth(ctx context.Context, account, scope string) (*reconcile.Health, error)
}

// Snapshot holds a point-in-time view of truth health.
type Snapshot struct {
	Health      []*reconcile.Health `json:"health"`
	Errors      int                 `json:"errors"`
	CollectedAt time.Time           `json:"collected_at"`
}

// Collector gathers health for every configured account and scope.
type Collector struct {
	source   HealthSource
	accounts []string
	scopes   []string
	now      func() time.Time
}

// NewCollector creates a collector. scopes defaults to today only.
func NewCollector(source HealthSource, accounts, scopes []string) *Collector {
	if len(scopes) == 0 {
		scopes = []string{reconcile.ScopeToday}
	}
	return &Collector{source: source, accounts: accounts, scopes: scopes, now: time.Now}
}

// Collect reads health for each pair. A failed read is counted and skipped.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: c.now().UTC()}
	for _, account := range c.accounts {
		for _, scope := range c.scopes {
			if err := ctx.Err(); err != nil {
				return snap, err
			}
			h, err := c.source.TruthHealth(ctx, account, scope)
			if err != nil {
				snap.Errors++
				zap.L().Warn("monitoring: health read failed",
					zap.String("account", account),
					zap.String("scope", scope),
					zap.Error(err),
				)
				continue
			}
			snap.Health = append(snap.Health, h)
		}
	}
	return snap, nil
}
