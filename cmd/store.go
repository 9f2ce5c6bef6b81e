package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/asset-reconcile/internal/config"
	"github.com/sells-group/asset-reconcile/internal/normalize"
	"github.com/sells-group/asset-reconcile/internal/reconcile"
	"github.com/sells-group/asset-reconcile/internal/resilience"
	"github.com/sells-group/asset-reconcile/internal/store"
)

// openStore validates configuration, connects to the configured backend and
// applies migrations.
func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var (
		st  store.Store
		err error
	)
	switch c.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(c.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// newRunner builds the engine and runner from configuration.
func newRunner(c *config.Config, st store.Store) (*reconcile.Runner, error) {
	n, err := normalize.FromConfig(c.Normalize)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("normalizer rules", zap.Strings("rules", n.Rules()))
	engine, err := reconcile.NewEngine(c.Reconcile, c.Confidence, n)
	if err != nil {
		return nil, err
	}
	return reconcile.NewRunner(st, engine, resilience.FromConfig(c.Retry)), nil
}
