package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"authgate/internal/audit"
	"authgate/internal/config"
	"authgate/internal/database"
	"authgate/internal/jobs"
	"authgate/internal/repository"
	"authgate/internal/repository/sqlitestore"
	"authgate/internal/service"
)

type userStore interface {
	service.UserStore
	jobs.SessionSweeper
}

type auditStore interface {
	service.AuditStore
	audit.EventWriter
	jobs.EventSource
}

// stores is the persistence layer picked by database.driver.
type stores struct {
	users userStore
	audit auditStore
	ping  func(ctx context.Context) error
	close func()
}

func openStores(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*stores, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := database.MigrateSQLite(ctx, db, logger); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		store := sqlitestore.New(db)
		return &stores{
			users: store,
			audit: store,
			ping:  db.PingContext,
			close: func() { _ = db.Close() },
		}, nil

	case config.DriverPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := database.MigratePostgres(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &stores{
			users: repository.NewUserRepository(pool),
			audit: repository.NewAuditRepository(pool),
			ping:  pool.Ping,
			close: pool.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
