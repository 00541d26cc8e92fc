package security

import (
	"time"

	"authgate/internal/models"
)

// LockoutPolicy counts failed verifications on the user record and locks the
// account for a fixed duration once the threshold is reached. Expired locks
// are cleared lazily by Refresh rather than by a timer.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

func (p LockoutPolicy) IsLocked(u models.User, now time.Time) bool {
	return u.IsLocked && u.LockoutExpiry != nil && u.LockoutExpiry.After(now)
}

// Refresh returns u to the active state if its lock has run out. It reports
// whether anything changed.
func (p LockoutPolicy) Refresh(u *models.User, now time.Time) bool {
	if !u.IsLocked || p.IsLocked(*u, now) {
		return false
	}
	p.Reset(u)
	return true
}

// RegisterFailure records one failed verification and reports whether the
// account became locked by it.
func (p LockoutPolicy) RegisterFailure(u *models.User, now time.Time) bool {
	p.Refresh(u, now)
	u.LoginAttempts++
	if u.LoginAttempts >= p.Threshold && !u.IsLocked {
		expiry := now.Add(p.Duration)
		u.IsLocked = true
		u.LockoutExpiry = &expiry
		return true
	}
	return false
}

func (p LockoutPolicy) Reset(u *models.User) {
	u.LoginAttempts = 0
	u.IsLocked = false
	u.LockoutExpiry = nil
}
