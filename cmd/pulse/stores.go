package main

import (
	"context"
	"fmt"

	"github.com/cuemby/pulse/pkg/config"
	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/storage"
	"github.com/cuemby/pulse/pkg/storage/postgres"
)

// openStore opens the configured store. pg is non-nil whenever a
// postgres DSN is available, since business metrics and ownership only
// live there, even when events are kept in bolt.
func openStore(ctx context.Context, cfg *config.Config) (store storage.Store, pg *postgres.Store, err error) {
	if cfg.Storage.PostgresDSN != "" {
		pg, err = postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Storage.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, nil, fmt.Errorf("failed to migrate postgres schema: %w", err)
			}
		}
	}

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		if pg == nil {
			return nil, nil, fmt.Errorf("storage driver %q requires a postgres dsn", cfg.Storage.Driver)
		}
		log.Logger.Info().Msg("Using postgres storage")
		return pg, pg, nil

	default:
		bolt, err := storage.NewBoltStore(cfg.Storage.DataDir)
		if err != nil {
			if pg != nil {
				_ = pg.Close()
			}
			return nil, nil, err
		}
		log.Logger.Info().Str("data_dir", cfg.Storage.DataDir).Msg("Using bolt storage")
		return bolt, pg, nil
	}
}
