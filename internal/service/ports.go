package service

import (
	"context"
	"time"

	"authgate/internal/cache"
	"authgate/internal/config"
	"authgate/internal/models"
)

// UserStore is satisfied by repository.UserRepository and sqlitestore.Store.
type UserStore interface {
	Create(ctx context.Context, user models.User) error
	GetByUsername(ctx context.Context, username string) (models.User, error)
	GetByID(ctx context.Context, id string) (models.User, error)
	UpdateSecurity(ctx context.Context, user models.User) error
	UpdatePassword(ctx context.Context, id string, version int64, hash string, changedAt time.Time) error
	Count(ctx context.Context) (int64, error)
}

type AuditStore interface {
	InsertLoginAttempt(ctx context.Context, attempt models.LoginAttempt) error
	RecentEvents(ctx context.Context, limit int) ([]models.AuditEvent, error)
	EventsByUser(ctx context.Context, userID string, limit int) ([]models.AuditEvent, error)
	CountRecentFailures(ctx context.Context, since time.Time) (int64, error)
}

// Auditor never fails; see audit.Recorder.
type Auditor interface {
	Record(ctx context.Context, event models.AuditEvent)
}

type PendingStore interface {
	SaveLogin(ctx context.Context, token string, state cache.PendingLogin, ttl time.Duration) error
	TakeLogin(ctx context.Context, token string) (cache.PendingLogin, error)
	SaveSetup(ctx context.Context, userID string, state cache.PendingSetup, ttl time.Duration) error
	GetSetup(ctx context.Context, userID string) (cache.PendingSetup, error)
	DeleteSetup(ctx context.Context, userID string) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type RevocationList interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Settings are the timing and sizing knobs of the engine.
type Settings struct {
	SessionTTL        time.Duration
	TokenLeeway       time.Duration
	Pending2FATTL     time.Duration
	SetupTTL          time.Duration
	BackupCodeCount   int
	BootstrapUsername string
}

func SettingsFromConfig(cfg config.SecurityConfig) Settings {
	return Settings{
		SessionTTL:        cfg.SessionTTL,
		TokenLeeway:       cfg.TokenLeeway,
		Pending2FATTL:     cfg.Pending2FATTL,
		SetupTTL:          cfg.SetupTTL,
		BackupCodeCount:   cfg.BackupCodeCount,
		BootstrapUsername: cfg.BootstrapUsername,
	}
}
