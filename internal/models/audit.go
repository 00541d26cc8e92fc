package models

import "time"

type EventType string

const (
	EventLoginAttempt     EventType = "LOGIN_ATTEMPT"
	EventPasswordChange   EventType = "PASSWORD_CHANGE"
	EventTokenValidation  EventType = "TOKEN_VALIDATION"
	EventLogout           EventType = "LOGOUT"
	EventTwoFASetup       EventType = "TWO_FA_SETUP"
	EventTwoFAVerify      EventType = "TWO_FA_VERIFY"
	EventTwoFADisable     EventType = "TWO_FA_DISABLE"
	EventAccountBootstrap EventType = "ACCOUNT_BOOTSTRAP"
)

type AuditEvent struct {
	ID          string         `json:"id"`
	UserID      *string        `json:"user_id,omitempty"`
	EventType   EventType      `json:"event_type"`
	Description string         `json:"description"`
	IPAddress   string         `json:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Success     bool           `json:"success"`
	Details     map[string]any `json:"details,omitempty"`
}

type LoginAttempt struct {
	ID            string    `json:"id"`
	UserID        *string   `json:"user_id,omitempty"`
	Username      string    `json:"username"`
	IPAddress     string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	Success       bool      `json:"success"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ClientInfo identifies where a request came from.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}
