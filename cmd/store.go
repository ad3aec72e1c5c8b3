package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/nesanders/MAenvironmentaldata/internal/attribution"
	"github.com/nesanders/MAenvironmentaldata/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "AMEND.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initCache() (attribution.Cache, error) {
	if cfg.Cache.Dir == "" {
		return nil, nil
	}
	return attribution.NewDiskCache(cfg.Cache.Dir)
}
