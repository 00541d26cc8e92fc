// Package sqlitestore keeps users and audit rows in a single sqlite file for
// deployments without Postgres. Timestamps are stored as unix nanoseconds.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"authgate/internal/models"
	"authgate/internal/repository"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

const userColumns = `
	id, username, password_hash, role, is_temporary_password, created_at, updated_at,
	last_login, login_attempts, is_locked, lockout_expiry, password_changed_at,
	session_token, session_expires_at, two_fa_enabled, two_fa_secret, two_fa_backup_codes,
	two_fa_enabled_at, version`

func (s *Store) Create(ctx context.Context, user models.User) error {
	const query = `
		INSERT INTO users (
			id, username, password_hash, role, is_temporary_password, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	created := user.CreatedAt.UnixNano()
	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		user.Role.String(),
		user.IsTemporaryPassword,
		created,
		created,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) GetByUsername(ctx context.Context, username string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = ?`
	return scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *Store) GetByID(ctx context.Context, id string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

func scanUser(row scanner) (models.User, error) {
	var (
		user                                     models.User
		role                                     string
		created, updated                         int64
		lastLogin, lockoutExpiry, passwordChange sql.NullInt64
		sessionExpires, twoFAEnabledAt           sql.NullInt64
		sessionToken, secret, backupCodes        sql.NullString
	)
	if err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&role,
		&user.IsTemporaryPassword,
		&created,
		&updated,
		&lastLogin,
		&user.LoginAttempts,
		&user.IsLocked,
		&lockoutExpiry,
		&passwordChange,
		&sessionToken,
		&sessionExpires,
		&user.TwoFAEnabled,
		&secret,
		&backupCodes,
		&twoFAEnabledAt,
		&user.Version,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, repository.ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}

	parsed, err := models.ParseRole(role)
	if err != nil {
		return models.User{}, fmt.Errorf("user %s: %w", user.ID, err)
	}
	user.Role = parsed
	user.CreatedAt = time.Unix(0, created).UTC()
	user.UpdatedAt = time.Unix(0, updated).UTC()
	user.LastLogin = fromNanos(lastLogin)
	user.LockoutExpiry = fromNanos(lockoutExpiry)
	user.PasswordChangedAt = fromNanos(passwordChange)
	user.SessionToken = fromNullString(sessionToken)
	user.SessionExpiresAt = fromNanos(sessionExpires)
	user.TwoFASecret = fromNullString(secret)
	user.TwoFAEnabledAt = fromNanos(twoFAEnabledAt)

	if backupCodes.Valid {
		if user.TwoFABackupCodes, err = repository.DecodeStrings([]byte(backupCodes.String)); err != nil {
			return models.User{}, fmt.Errorf("user %s: %w", user.ID, err)
		}
	}
	return user, nil
}

func (s *Store) UpdateSecurity(ctx context.Context, user models.User) error {
	const query = `
		UPDATE users SET
			login_attempts = ?,
			is_locked = ?,
			lockout_expiry = ?,
			last_login = ?,
			session_token = ?,
			session_expires_at = ?,
			two_fa_enabled = ?,
			two_fa_secret = ?,
			two_fa_backup_codes = ?,
			two_fa_enabled_at = ?,
			updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`

	codes, err := repository.EncodeStrings(user.TwoFABackupCodes)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query,
		user.LoginAttempts,
		user.IsLocked,
		nanos(user.LockoutExpiry),
		nanos(user.LastLogin),
		nullString(user.SessionToken),
		nanos(user.SessionExpiresAt),
		user.TwoFAEnabled,
		nullString(user.TwoFASecret),
		nullBytes(codes),
		nanos(user.TwoFAEnabledAt),
		s.now().UnixNano(),
		user.ID,
		user.Version,
	)
	if err != nil {
		return fmt.Errorf("update user security: %w", err)
	}
	return s.checkApplied(ctx, res, user.ID)
}

func (s *Store) UpdatePassword(ctx context.Context, id string, version int64, hash string, changedAt time.Time) error {
	const query = `
		UPDATE users SET
			password_hash = ?,
			password_changed_at = ?,
			is_temporary_password = 0,
			updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`
	res, err := s.db.ExecContext(ctx, query, hash, changedAt.UnixNano(), s.now().UnixNano(), id, version)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return s.checkApplied(ctx, res, id)
}

func (s *Store) checkApplied(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrUserNotFound
		}
		return fmt.Errorf("check user: %w", err)
	}
	return repository.ErrVersionConflict
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *Store) ClearExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	const query = `
		UPDATE users SET
			session_token = NULL,
			session_expires_at = NULL,
			updated_at = ?,
			version = version + 1
		WHERE session_expires_at IS NOT NULL AND session_expires_at <= ?
	`
	res, err := s.db.ExecContext(ctx, query, s.now().UnixNano(), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("clear expired sessions: %w", err)
	}
	return res.RowsAffected()
}
