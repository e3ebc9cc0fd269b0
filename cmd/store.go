package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ordertruth/internal/db"
	"github.com/sells-group/ordertruth/internal/truth"
)

func initStore(ctx context.Context) (truth.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return truth.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return truth.NewPostgres(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens the configured store and applies pending migrations.
func openStore(ctx context.Context) (truth.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
