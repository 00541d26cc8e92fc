package models

import "time"

// SessionClaim is what a verified token asserts. It is only trusted after
// SessionID has been checked against the user's live session.
type SessionClaim struct {
	UserID       string
	Username     string
	Role         Role
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Issuer       string
	Audience     []string
	TokenID      string
	SessionID    string
	TempPassword bool
}
