package models

import "time"

// User is the identity record together with the security state the engine
// mutates. Version is bumped by every successful write and guards against
// concurrent writers of the same row.
type User struct {
	ID                  string
	Username            string
	PasswordHash        string
	Role                Role
	IsTemporaryPassword bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastLogin           *time.Time
	LoginAttempts       int
	IsLocked            bool
	LockoutExpiry       *time.Time
	PasswordChangedAt   *time.Time
	SessionToken        *string
	SessionExpiresAt    *time.Time
	TwoFAEnabled        bool
	TwoFASecret         *string
	TwoFABackupCodes    []string
	TwoFAEnabledAt      *time.Time
	Version             int64
}

// HasLiveSession reports whether sessionID is the user's current session and
// that session has not expired at now.
func (u User) HasLiveSession(sessionID string, now time.Time) bool {
	if u.SessionToken == nil || u.SessionExpiresAt == nil {
		return false
	}
	return *u.SessionToken == sessionID && u.SessionExpiresAt.After(now)
}

func (u *User) StartSession(sessionID string, expiresAt time.Time) {
	u.SessionToken = &sessionID
	u.SessionExpiresAt = &expiresAt
}

func (u *User) ClearSession() {
	u.SessionToken = nil
	u.SessionExpiresAt = nil
}

func (u *User) EnableTwoFA(secret string, backupCodes []string, at time.Time) {
	u.TwoFAEnabled = true
	u.TwoFASecret = &secret
	u.TwoFABackupCodes = backupCodes
	u.TwoFAEnabledAt = &at
}

func (u *User) DisableTwoFA() {
	u.TwoFAEnabled = false
	u.TwoFASecret = nil
	u.TwoFABackupCodes = nil
	u.TwoFAEnabledAt = nil
}

// Summary is the caller-facing view of a user. It never carries the hash or
// second-factor material.
type Summary struct {
	ID                  string     `json:"id"`
	Username            string     `json:"username"`
	Role                Role       `json:"role"`
	IsTemporaryPassword bool       `json:"is_temporary_password"`
	LastLogin           *time.Time `json:"last_login,omitempty"`
	TwoFAEnabled        bool       `json:"two_fa_enabled"`
	CreatedAt           time.Time  `json:"created_at"`
}

func (u User) Summary() Summary {
	return Summary{
		ID:                  u.ID,
		Username:            u.Username,
		Role:                u.Role,
		IsTemporaryPassword: u.IsTemporaryPassword,
		LastLogin:           u.LastLogin,
		TwoFAEnabled:        u.TwoFAEnabled,
		CreatedAt:           u.CreatedAt,
	}
}
