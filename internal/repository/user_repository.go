package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"authgate/internal/models"
)

type UserRepository struct {
	db DBTX
}

func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `
	id, username, password_hash, role, is_temporary_password, created_at, updated_at,
	last_login, login_attempts, is_locked, lockout_expiry, password_changed_at,
	session_token, session_expires_at, two_fa_enabled, two_fa_secret, two_fa_backup_codes,
	two_fa_enabled_at, version`

func (r *UserRepository) Create(ctx context.Context, user models.User) error {
	const query = `
		INSERT INTO users (
			id, username, password_hash, role, is_temporary_password, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $6
		)
	`

	_, err := r.db.Exec(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		user.Role.String(),
		user.IsTemporaryPassword,
		user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	return r.scanUser(r.db.QueryRow(ctx, query, username))
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanUser(r.db.QueryRow(ctx, query, id))
}

func (r *UserRepository) scanUser(row pgx.Row) (models.User, error) {
	var (
		user        models.User
		role        string
		backupCodes []byte
	)
	if err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&role,
		&user.IsTemporaryPassword,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.LastLogin,
		&user.LoginAttempts,
		&user.IsLocked,
		&user.LockoutExpiry,
		&user.PasswordChangedAt,
		&user.SessionToken,
		&user.SessionExpiresAt,
		&user.TwoFAEnabled,
		&user.TwoFASecret,
		&backupCodes,
		&user.TwoFAEnabledAt,
		&user.Version,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}

	parsed, err := models.ParseRole(role)
	if err != nil {
		return models.User{}, fmt.Errorf("user %s: %w", user.ID, err)
	}
	user.Role = parsed

	if user.TwoFABackupCodes, err = DecodeStrings(backupCodes); err != nil {
		return models.User{}, fmt.Errorf("user %s: %w", user.ID, err)
	}
	return user, nil
}

// UpdateSecurity writes the lockout, session, login and second-factor state of
// user, provided nobody else has written the row since it was read.
func (r *UserRepository) UpdateSecurity(ctx context.Context, user models.User) error {
	const query = `
		UPDATE users SET
			login_attempts = $3,
			is_locked = $4,
			lockout_expiry = $5,
			last_login = $6,
			session_token = $7,
			session_expires_at = $8,
			two_fa_enabled = $9,
			two_fa_secret = $10,
			two_fa_backup_codes = $11,
			two_fa_enabled_at = $12,
			updated_at = NOW(),
			version = version + 1
		WHERE id = $1 AND version = $2
	`

	codes, err := EncodeStrings(user.TwoFABackupCodes)
	if err != nil {
		return err
	}

	cmd, err := r.db.Exec(ctx, query,
		user.ID,
		user.Version,
		user.LoginAttempts,
		user.IsLocked,
		user.LockoutExpiry,
		user.LastLogin,
		user.SessionToken,
		user.SessionExpiresAt,
		user.TwoFAEnabled,
		user.TwoFASecret,
		codes,
		user.TwoFAEnabledAt,
	)
	if err != nil {
		return fmt.Errorf("update user security: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return r.missOrConflict(ctx, user.ID)
	}
	return nil
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id string, version int64, hash string, changedAt time.Time) error {
	const query = `
		UPDATE users SET
			password_hash = $3,
			password_changed_at = $4,
			is_temporary_password = FALSE,
			updated_at = NOW(),
			version = version + 1
		WHERE id = $1 AND version = $2
	`
	cmd, err := r.db.Exec(ctx, query, id, version, hash, changedAt)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *UserRepository) missOrConflict(ctx context.Context, id string) error {
	const query = `SELECT 1 FROM users WHERE id = $1`
	var one int
	if err := r.db.QueryRow(ctx, query, id).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("check user: %w", err)
	}
	return ErrVersionConflict
}

func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	const query = `SELECT COUNT(*) FROM users`
	var count int64
	if err := r.db.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

// ClearExpiredSessions drops session columns whose expiry has passed. It
// bumps the version so in-flight writers re-read.
func (r *UserRepository) ClearExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	const query = `
		UPDATE users SET
			session_token = NULL,
			session_expires_at = NULL,
			updated_at = NOW(),
			version = version + 1
		WHERE session_expires_at IS NOT NULL AND session_expires_at <= $1
	`
	cmd, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("clear expired sessions: %w", err)
	}
	return cmd.RowsAffected(), nil
}
