package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/demandsync/internal/store"
)

// initStore opens the configured store and applies migrations. The caller
// closes it.
func initStore(ctx context.Context) (store.Store, error) {
	opts := []store.Option{store.WithStrictInsert(cfg.Store.StrictInsert)}

	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL, opts...)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.Pool.MaxConns,
			MinConns: cfg.Store.Pool.MinConns,
		}, opts...)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}
