//go:build !integration

package main

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/sells-group/ordertruth/internal/config"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// useTestConfig points the global config at a fresh SQLite file.
func useTestConfig(t *testing.T) {
	t.Helper()
	prev := cfg
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "truth.db")
	c.FX.ReportingCurrency = "USD"
	c.Metrics.Namespace = "ordertruth"
	c.Reconcile.FactWorkers = 1
	c.Server.Port = 8080
	cfg = c
	t.Cleanup(func() { cfg = prev })
}
