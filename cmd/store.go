package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/avgjoe1017/findable/internal/calibration"
)

// openStore creates the configured calibration store.
func openStore(ctx context.Context) (calibration.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "findable.db"
		}
		return calibration.NewSQLite(path)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("no database_url configured (set store.database_url or FINDABLE_STORE_DATABASE_URL)")
		}
		return calibration.NewPostgres(ctx, cfg.Store.DatabaseURL, &calibration.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
