package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"authgate/internal/audit"
	"authgate/internal/cache"
	"authgate/internal/config"
	"authgate/internal/database"
	"authgate/internal/log"
	"authgate/internal/queue"
	"authgate/internal/repository"
	"authgate/internal/repository/sqlitestore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment).With().Str("process", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openEventWriter(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open database")
	}
	defer closeStore()

	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer client.Close()

	consumer := queue.NewConsumer(
		client,
		cfg.Worker.Stream,
		cfg.Worker.Group,
		cfg.Worker.Consumer,
		cfg.Worker.ClaimInterval,
		logger,
		audit.NewStreamHandler(store, logger),
	)

	logger.Info().Str("stream", cfg.Worker.Stream).Msg("audit worker started")
	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("consumer stopped unexpectedly")
		return
	}
	logger.Info().Msg("audit worker stopped")
}

// openEventWriter opens only what the worker needs: somewhere to append
// audit events. Migrations are left to the api process.
func openEventWriter(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (audit.EventWriter, func(), error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return sqlitestore.New(db), func() { _ = db.Close() }, nil
	case config.DriverPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewAuditRepository(pool), pool.Close, nil
	default:
		logger.Error().Str("driver", cfg.Driver).Msg("unsupported database driver")
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
