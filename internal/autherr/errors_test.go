package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	t.Parallel()

	err := Wrap(KindInvalidCredentials, "unknown user", nil)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.NotErrorIs(t, err, ErrAccountLocked)

	wrapped := fmt.Errorf("login: %w", ErrSessionExpired)
	assert.ErrorIs(t, wrapped, ErrSessionExpired)
}

func TestInternalKeepsCauseButHidesIt(t *testing.T) {
	t.Parallel()

	cause := errors.New("pq: relation users does not exist")
	err := Internal("fetch user", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fetch user")
	assert.Equal(t, "Internal server error", err.Message())
	assert.NotContains(t, err.Message(), "relation")
	assert.Equal(t, http.StatusInternalServerError, err.Status())
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    *Error
		status int
		code   string
	}{
		{ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
		{ErrAccountLocked, http.StatusLocked, "account_locked"},
		{ErrTooManyAttempts, http.StatusTooManyRequests, "too_many_attempts"},
		{ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
		{ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
		{ErrSessionExpired, http.StatusUnauthorized, "session_expired"},
		{ErrPasswordTooWeak, http.StatusBadRequest, "password_too_weak"},
		{ErrPasswordMismatch, http.StatusBadRequest, "password_mismatch"},
		{ErrPasswordReused, http.StatusBadRequest, "password_reused"},
		{ErrUnauthorized, http.StatusForbidden, "unauthorized"},
		{ErrInternal, http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, tt.err.Status(), tt.code)
		assert.Equal(t, tt.code, tt.err.Kind.String())
		assert.NotEmpty(t, tt.err.Message())
	}
}

func TestFrom(t *testing.T) {
	t.Parallel()

	assert.Nil(t, From(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindPasswordTooWeak, KindOf(fmt.Errorf("x: %w", TooWeak([]string{"too short"}))))
	assert.Equal(t, []string{"too short"}, From(TooWeak([]string{"too short"})).Violations)
}

func TestResponseHidesDetail(t *testing.T) {
	t.Parallel()

	body := Internal("select users", errors.New("connection refused")).Response()
	assert.False(t, body.Success)
	assert.Equal(t, "internal_error", body.Error)
	assert.Equal(t, "Internal server error", body.Message)
	assert.Empty(t, body.Violations)

	weak := TooWeak([]string{"min_length", "digit"}).Response()
	assert.Equal(t, "password_too_weak", weak.Error)
	assert.Equal(t, []string{"min_length", "digit"}, weak.Violations)
}
