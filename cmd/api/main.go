package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"authgate/internal/audit"
	"authgate/internal/cache"
	"authgate/internal/config"
	"authgate/internal/handlers"
	"authgate/internal/jobs"
	"authgate/internal/log"
	"authgate/internal/security"
	"authgate/internal/server"
	"authgate/internal/service"
	"authgate/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment)

	ctx := context.Background()

	st, err := openStores(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open database")
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}

	var archive jobs.ArchiveStore
	objectStore, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}
	if objectStore != nil {
		if err := objectStore.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Msg("ensure audit bucket failed")
		}
		archive = objectStore
	}

	recorder := audit.NewRecorder(auditSink(cfg.Audit, st, redisClient), logger, cfg.Audit.BufferSize, cfg.Audit.AppendTimeout)
	authService := newAuthService(cfg, st, redisClient, recorder, logger)

	if created, err := authService.EnsureBootstrapAccount(ctx); err != nil {
		logger.Fatal().Err(err).Msg("bootstrap account check failed")
	} else if !created {
		logger.Debug().Msg("users present, bootstrap skipped")
	}

	scheduler := jobs.NewScheduler(cfg.Jobs, jobs.Deps{
		Sessions: st.users,
		Events:   st.audit,
		Archive:  archive,
	}, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	handlerSet := handlers.NewHandlerSet(logger, authService, authService, cfg.Environment,
		handlers.HealthCheck{Name: "database", Ping: st.ping},
		handlers.HealthCheck{Name: "cache", Ping: cache.Ping(redisClient)},
	)
	httpServer, err := server.NewHTTPServer(cfg, logger, handlerSet)
	if err != nil {
		logger.Fatal().Err(err).Msg("http server setup failed")
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, scheduler, recorder, st, redisClient)
}

func auditSink(cfg config.AuditConfig, st *stores, redisClient *redis.Client) audit.Sink {
	if cfg.Mode == config.AuditModeStream {
		return audit.NewStreamSink(redisClient, cfg.Stream, cfg.StreamMaxLen)
	}
	return audit.NewStoreSink(st.audit)
}

func newAuthService(cfg *config.AppConfig, st *stores, redisClient *redis.Client, recorder *audit.Recorder, logger zerolog.Logger) *service.AuthService {
	passwords := security.NewPasswordManager(
		security.PasswordPolicy(cfg.Password),
		logger,
		security.WithArgon2Params(security.Argon2Params(cfg.Security.Argon2)),
	)
	tokens := security.NewTokenIssuer(security.TokenConfig{
		Secret:   cfg.Security.JWTSecret,
		Issuer:   cfg.Security.JWTIssuer,
		Audience: cfg.Security.JWTAudience,
		TTL:      cfg.Security.TokenTTL,
		Leeway:   cfg.Security.TokenLeeway,
	}, nil)
	lockout := security.LockoutPolicy{
		Threshold: cfg.Security.LockoutThreshold,
		Duration:  cfg.Security.LockoutDuration,
	}

	return service.NewAuthService(service.Deps{
		Users:     st.users,
		Attempts:  st.audit,
		Audit:     recorder,
		Pending:   cache.NewPendingStore(redisClient),
		Limiter:   cache.NewRateLimiter(redisClient, cfg.Security.RateLimitWindow, cfg.Security.RateLimitMax, nil),
		Revoked:   cache.NewRevocationList(redisClient, nil),
		Passwords: passwords,
		Tokens:    tokens,
		Factors:   security.NewSecondFactorManager(cfg.Security.TOTPIssuer, nil),
		Lockout:   lockout,
	}, service.SettingsFromConfig(cfg.Security), logger)
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, scheduler *jobs.Scheduler, recorder *audit.Recorder, st *stores, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("scheduled jobs still running at shutdown")
	}

	// Drain buffered audit events before their sink goes away.
	recorder.Close()

	st.close()
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}

	logger.Info().Msg("server exited cleanly")
}
