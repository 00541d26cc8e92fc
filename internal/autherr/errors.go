// Package autherr holds the closed error taxonomy of the authentication
// engine and its mapping onto transport status codes.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind uint8

const (
	KindInternal Kind = iota
	KindInvalidCredentials
	KindAccountLocked
	KindTooManyAttempts
	KindTokenExpired
	KindInvalidToken
	KindSessionExpired
	KindPasswordTooWeak
	KindPasswordMismatch
	KindPasswordReused
	KindInvalidRequest
	KindUnauthorized
)

var kindInfo = map[Kind]struct {
	code    string
	status  int
	message string
}{
	KindInternal:           {"internal_error", http.StatusInternalServerError, "Internal server error"},
	KindInvalidCredentials: {"invalid_credentials", http.StatusUnauthorized, "Invalid credentials"},
	KindAccountLocked:      {"account_locked", http.StatusLocked, "Account locked due to too many failed attempts"},
	KindTooManyAttempts:    {"too_many_attempts", http.StatusTooManyRequests, "Too many login attempts, try again later"},
	KindTokenExpired:       {"token_expired", http.StatusUnauthorized, "Token expired"},
	KindInvalidToken:       {"invalid_token", http.StatusUnauthorized, "Invalid token"},
	KindSessionExpired:     {"session_expired", http.StatusUnauthorized, "Session expired"},
	KindPasswordTooWeak:    {"password_too_weak", http.StatusBadRequest, "Password does not meet security requirements"},
	KindPasswordMismatch:   {"password_mismatch", http.StatusBadRequest, "Password confirmation does not match"},
	KindPasswordReused:     {"password_reused", http.StatusBadRequest, "New password must be different from the current password"},
	KindInvalidRequest:     {"invalid_request", http.StatusBadRequest, "Invalid request"},
	KindUnauthorized:       {"unauthorized", http.StatusForbidden, "Unauthorized access"},
}

func (k Kind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.code
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is the only error type that crosses the service boundary.
// Detail and the wrapped cause are for operators; callers only ever see
// Message.
type Error struct {
	Kind       Kind
	Detail     string
	Violations []string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) Status() int { return kindInfo[e.Kind].status }

func (e *Error) Message() string { return kindInfo[e.Kind].message }

var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrAccountLocked      = &Error{Kind: KindAccountLocked}
	ErrTooManyAttempts    = &Error{Kind: KindTooManyAttempts}
	ErrTokenExpired       = &Error{Kind: KindTokenExpired}
	ErrInvalidToken       = &Error{Kind: KindInvalidToken}
	ErrSessionExpired     = &Error{Kind: KindSessionExpired}
	ErrPasswordTooWeak    = &Error{Kind: KindPasswordTooWeak}
	ErrPasswordMismatch   = &Error{Kind: KindPasswordMismatch}
	ErrPasswordReused     = &Error{Kind: KindPasswordReused}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrInternal           = &Error{Kind: KindInternal}
)

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func Internal(detail string, err error) *Error {
	return &Error{Kind: KindInternal, Detail: detail, Err: err}
}

func TooWeak(violations []string) *Error {
	return &Error{Kind: KindPasswordTooWeak, Violations: violations}
}

// From normalises any error to an *Error; unknown errors become internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("unclassified", err)
}

func KindOf(err error) Kind {
	return From(err).Kind
}

// Response is the JSON error envelope returned to HTTP callers.
type Response struct {
	Success    bool     `json:"success"`
	Error      string   `json:"error"`
	Message    string   `json:"message"`
	Violations []string `json:"violations,omitempty"`
}

func (e *Error) Response() Response {
	return Response{
		Error:      e.Kind.String(),
		Message:    e.Message(),
		Violations: e.Violations,
	}
}
