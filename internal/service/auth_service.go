package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"authgate/internal/autherr"
	"authgate/internal/cache"
	"authgate/internal/ids"
	"authgate/internal/models"
	"authgate/internal/repository"
	"authgate/internal/security"
)

// maxWriteAttempts bounds the optimistic retry loop in mutateUser.
const maxWriteAttempts = 3

type Deps struct {
	Users     UserStore
	Attempts  AuditStore
	Audit     Auditor
	Pending   PendingStore
	Limiter   RateLimiter
	Revoked   RevocationList
	Passwords *security.PasswordManager
	Tokens    *security.TokenIssuer
	Factors   *security.SecondFactorManager
	Lockout   security.LockoutPolicy
	Now       func() time.Time
}

// AuthService is the credential and session engine. It keeps no per-user
// state in memory: every operation reads the user row, computes the new state
// and writes it back under the row's version.
type AuthService struct {
	users     UserStore
	attempts  AuditStore
	audit     Auditor
	pending   PendingStore
	limiter   RateLimiter
	revoked   RevocationList
	passwords *security.PasswordManager
	tokens    *security.TokenIssuer
	factors   *security.SecondFactorManager
	lockout   security.LockoutPolicy
	settings  Settings
	now       func() time.Time
	log       zerolog.Logger

	dummyOnce   sync.Once
	dummyDigest string
}

func NewAuthService(deps Deps, settings Settings, log zerolog.Logger) *AuthService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &AuthService{
		users:     deps.Users,
		attempts:  deps.Attempts,
		audit:     deps.Audit,
		pending:   deps.Pending,
		limiter:   deps.Limiter,
		revoked:   deps.Revoked,
		passwords: deps.Passwords,
		tokens:    deps.Tokens,
		factors:   deps.Factors,
		lockout:   deps.Lockout,
		settings:  settings,
		now:       now,
		log:       log.With().Str("component", "auth").Logger(),
	}
}

type LoginInput struct {
	Username  string
	Password  string
	TwoFACode string
	Client    models.ClientInfo
}

type LoginResult struct {
	Token         string         `json:"token"`
	User          models.Summary `json:"user"`
	ExpiresIn     int64          `json:"expires_in"`
	RequiresTwoFA bool           `json:"requires_two_fa"`
	PendingToken  string         `json:"temp_token,omitempty"`
}

// Login runs the credential step. Users with a second factor get a pending
// token back unless TwoFACode is supplied, in which case it is checked inline.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" || in.Password == "" {
		s.failLogin(ctx, "", username, in.Client, "missing credentials", nil)
		return LoginResult{}, autherr.New(autherr.KindInvalidRequest, "username and password are required")
	}

	allowed, err := s.limiter.Allow(ctx, cache.LoginKey(username, in.Client.IPAddress))
	if err != nil {
		s.log.Warn().Err(err).Msg("rate limiter unavailable, allowing attempt")
		allowed = true
	}
	if !allowed {
		s.failLogin(ctx, "", username, in.Client, "rate limited", nil)
		return LoginResult{}, autherr.ErrTooManyAttempts
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.burnVerify(in.Password)
			s.failLogin(ctx, "", username, in.Client, "unknown user", nil)
			return LoginResult{}, autherr.ErrInvalidCredentials
		}
		s.failLogin(ctx, "", username, in.Client, "internal error", nil)
		return LoginResult{}, autherr.Internal("load user", err)
	}

	now := s.now()
	if s.lockout.IsLocked(user, now) {
		s.failLogin(ctx, user.ID, username, in.Client, "account locked", map[string]any{
			"locked_until": user.LockoutExpiry,
		})
		return LoginResult{}, autherr.ErrAccountLocked
	}

	if !s.passwords.Verify(in.Password, user.PasswordHash) {
		return LoginResult{}, s.registerFailure(ctx, user, models.EventLoginAttempt, in.Client, "Failed login attempt", "invalid password")
	}

	sessionID := uuid.NewString()
	user, err = s.mutateUser(ctx, user, func(u *models.User) error {
		s.lockout.Reset(u)
		stamp := now
		u.LastLogin = &stamp
		u.StartSession(sessionID, now.Add(s.settings.SessionTTL))
		return nil
	})
	if err != nil {
		s.failLogin(ctx, user.ID, username, in.Client, "internal error", nil)
		return LoginResult{}, err
	}

	if !user.TwoFAEnabled {
		return s.issue(ctx, user, sessionID, in.Client, models.EventLoginAttempt, "Successful login", nil)
	}

	s.recordAttempt(ctx, user.ID, user.Username, in.Client, true, "")
	if in.TwoFACode != "" {
		return s.completeSecondFactor(ctx, user, sessionID, in.TwoFACode, in.Client)
	}

	pendingToken := ids.WithPrefix("2fa")
	err = s.pending.SaveLogin(ctx, pendingToken, cache.PendingLogin{
		UserID:    user.ID,
		SessionID: sessionID,
		IPAddress: in.Client.IPAddress,
		UserAgent: in.Client.UserAgent,
		CreatedAt: now,
	}, s.settings.Pending2FATTL)
	if err != nil {
		s.emit(ctx, models.EventLoginAttempt, user.ID, in.Client, false, "Failed login attempt", map[string]any{
			"reason": "internal error",
		})
		return LoginResult{}, autherr.Internal("store pending login", err)
	}

	s.emit(ctx, models.EventLoginAttempt, user.ID, in.Client, true, "Password accepted, second factor required", map[string]any{
		"requires_two_fa": true,
	})
	return LoginResult{
		User:          user.Summary(),
		RequiresTwoFA: true,
		PendingToken:  pendingToken,
	}, nil
}

type CompleteTwoFactorInput struct {
	PendingToken string
	Code         string
	Client       models.ClientInfo
}

// CompleteTwoFactorLogin finishes a login that stopped at the second factor.
// The pending token is consumed whether or not the code is right.
func (s *AuthService) CompleteTwoFactorLogin(ctx context.Context, in CompleteTwoFactorInput) (LoginResult, error) {
	state, err := s.pending.TakeLogin(ctx, in.PendingToken)
	if err != nil {
		if errors.Is(err, cache.ErrPendingNotFound) {
			s.emit(ctx, models.EventTwoFAVerify, "", in.Client, false, "Second factor rejected", map[string]any{
				"reason": "unknown or expired pending token",
			})
			return LoginResult{}, autherr.ErrInvalidToken
		}
		s.emit(ctx, models.EventTwoFAVerify, "", in.Client, false, "Second factor rejected", map[string]any{
			"reason": "internal error",
		})
		return LoginResult{}, autherr.Internal("take pending login", err)
	}

	user, err := s.users.GetByID(ctx, state.UserID)
	if err != nil {
		s.emit(ctx, models.EventTwoFAVerify, state.UserID, in.Client, false, "Second factor rejected", map[string]any{
			"reason": "user unavailable",
		})
		return LoginResult{}, loadErr(err, autherr.KindInvalidToken)
	}

	now := s.now()
	if !user.HasLiveSession(state.SessionID, now) {
		s.emit(ctx, models.EventTwoFAVerify, user.ID, in.Client, false, "Second factor rejected", map[string]any{
			"reason": "session superseded or expired",
		})
		return LoginResult{}, autherr.ErrSessionExpired
	}
	if s.lockout.IsLocked(user, now) {
		s.emit(ctx, models.EventTwoFAVerify, user.ID, in.Client, false, "Second factor rejected", map[string]any{
			"reason": "account locked",
		})
		return LoginResult{}, autherr.ErrAccountLocked
	}

	return s.completeSecondFactor(ctx, user, state.SessionID, in.Code, in.Client)
}

const (
	methodTOTP   = "totp"
	methodBackup = "backup_code"
)

// checkSecondFactor routes code by shape. The caller never learns which
// check ran.
func (s *AuthService) checkSecondFactor(user models.User, code string) (string, bool) {
	if !user.TwoFAEnabled || user.TwoFASecret == nil {
		return "", false
	}
	switch security.ClassifyCode(code) {
	case security.CodeTOTP:
		return methodTOTP, s.factors.Verify(*user.TwoFASecret, code)
	case security.CodeBackup:
		ok, _ := s.factors.VerifyBackupCode(user.TwoFABackupCodes, code)
		return methodBackup, ok
	default:
		return "", false
	}
}

func (s *AuthService) completeSecondFactor(ctx context.Context, user models.User, sessionID, code string, client models.ClientInfo) (LoginResult, error) {
	method, ok := s.checkSecondFactor(user, code)
	if !ok {
		return LoginResult{}, s.registerFailure(ctx, user, models.EventTwoFAVerify, client, "Second factor rejected", "invalid second factor")
	}

	user, err := s.mutateUser(ctx, user, func(u *models.User) error {
		if !u.HasLiveSession(sessionID, s.now()) {
			return autherr.ErrSessionExpired
		}
		if method == methodBackup {
			matched, remaining := s.factors.VerifyBackupCode(u.TwoFABackupCodes, code)
			if !matched {
				return autherr.ErrInvalidCredentials
			}
			u.TwoFABackupCodes = remaining
		}
		s.lockout.Reset(u)
		return nil
	})
	if errors.Is(err, autherr.ErrInvalidCredentials) {
		// Another login spent the backup code first.
		return LoginResult{}, s.registerFailure(ctx, user, models.EventTwoFAVerify, client, "Second factor rejected", "backup code already used")
	}
	if err != nil {
		s.emit(ctx, models.EventTwoFAVerify, user.ID, client, false, "Second factor rejected", map[string]any{
			"reason": autherr.KindOf(err).String(),
		})
		return LoginResult{}, err
	}

	details := map[string]any{"method": method}
	if method == methodBackup {
		details["backup_codes_remaining"] = len(user.TwoFABackupCodes)
	}
	return s.issue(ctx, user, sessionID, client, models.EventTwoFAVerify, "Second factor verified, login complete", details)
}

// issue mints the token for a session that is already persisted.
func (s *AuthService) issue(ctx context.Context, user models.User, sessionID string, client models.ClientInfo, eventType models.EventType, description string, details map[string]any) (LoginResult, error) {
	token, err := s.tokens.Issue(user, sessionID)
	if err != nil {
		s.emit(ctx, eventType, user.ID, client, false, "Token issuance failed", map[string]any{
			"reason": "internal error",
		})
		return LoginResult{}, err
	}

	s.emit(ctx, eventType, user.ID, client, true, description, details)
	s.recordAttempt(ctx, user.ID, user.Username, client, true, "")
	s.log.Info().Str("user_id", user.ID).Str("ip", client.IPAddress).Msg("login succeeded")

	return LoginResult{
		Token:     token,
		User:      user.Summary(),
		ExpiresIn: int64(s.tokens.TTL() / time.Second),
	}, nil
}

// registerFailure counts a failed password or second factor against the
// account and reports AccountLocked for the failure that crosses the
// threshold.
func (s *AuthService) registerFailure(ctx context.Context, user models.User, eventType models.EventType, client models.ClientInfo, description, reason string) error {
	var locked bool
	updated, err := s.mutateUser(ctx, user, func(u *models.User) error {
		locked = s.lockout.RegisterFailure(u, s.now())
		return nil
	})
	if err != nil {
		s.emit(ctx, eventType, user.ID, client, false, description, map[string]any{
			"reason": reason,
			"error":  "attempt counter not persisted",
		})
		s.recordAttempt(ctx, user.ID, user.Username, client, false, reason)
		return err
	}

	details := map[string]any{
		"reason":   reason,
		"attempts": updated.LoginAttempts,
	}
	if locked {
		details["locked_until"] = updated.LockoutExpiry
	}
	s.emit(ctx, eventType, user.ID, client, false, description, details)
	s.recordAttempt(ctx, user.ID, user.Username, client, false, reason)

	if locked {
		s.log.Warn().
			Str("user_id", user.ID).
			Int("attempts", updated.LoginAttempts).
			Time("locked_until", *updated.LockoutExpiry).
			Msg("account locked")
		return autherr.ErrAccountLocked
	}
	return autherr.ErrInvalidCredentials
}

type Session struct {
	Claim models.SessionClaim
	User  models.User
}

// ValidateSession accepts a token only while it names the user's live
// session. Only failures are audited.
func (s *AuthService) ValidateSession(ctx context.Context, token string, client models.ClientInfo) (Session, error) {
	claim, err := s.tokens.Verify(token)
	if err != nil {
		s.emit(ctx, models.EventTokenValidation, "", client, false, "Token rejected", map[string]any{
			"reason": autherr.KindOf(err).String(),
		})
		return Session{}, err
	}

	user, err := s.users.GetByID(ctx, claim.UserID)
	if err != nil {
		s.emit(ctx, models.EventTokenValidation, claim.UserID, client, false, "Token rejected", map[string]any{
			"reason": "user unavailable",
		})
		return Session{}, loadErr(err, autherr.KindInvalidToken)
	}

	if !user.HasLiveSession(claim.SessionID, s.now()) {
		s.emit(ctx, models.EventTokenValidation, user.ID, client, false, "Session no longer live", map[string]any{
			"reason":   "session_expired",
			"token_id": claim.TokenID,
		})
		return Session{}, autherr.ErrSessionExpired
	}

	revoked, err := s.revoked.IsRevoked(ctx, claim.TokenID)
	if err != nil {
		s.log.Warn().Err(err).Str("token_id", claim.TokenID).Msg("revocation check unavailable")
	}
	if revoked {
		s.emit(ctx, models.EventTokenValidation, user.ID, client, false, "Token revoked", map[string]any{
			"reason":   "revoked",
			"token_id": claim.TokenID,
		})
		return Session{}, autherr.ErrInvalidToken
	}

	return Session{Claim: claim, User: user}, nil
}

// Logout always succeeds. A token that no longer verifies has nothing to
// clear; the attempt is still audited.
func (s *AuthService) Logout(ctx context.Context, token string, client models.ClientInfo) error {
	claim, err := s.tokens.Verify(token)
	if err != nil {
		details := map[string]any{"token_valid": false}
		if jti, ok := s.tokens.ExtractTokenID(token); ok {
			details["token_id"] = jti
		}
		s.emit(ctx, models.EventLogout, "", client, true, "Logout with unusable token", details)
		return nil
	}

	user, err := s.users.GetByID(ctx, claim.UserID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", claim.UserID).Msg("logout: user unavailable")
		s.emit(ctx, models.EventLogout, claim.UserID, client, true, "Logout for unknown user", map[string]any{
			"token_id": claim.TokenID,
		})
		return nil
	}

	if _, err := s.mutateUser(ctx, user, func(u *models.User) error {
		u.ClearSession()
		return nil
	}); err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("logout: clearing session failed")
	}

	if err := s.revoked.Revoke(ctx, claim.TokenID, claim.ExpiresAt.Add(s.settings.TokenLeeway)); err != nil {
		s.log.Warn().Err(err).Str("token_id", claim.TokenID).Msg("logout: revocation not recorded")
	}

	s.emit(ctx, models.EventLogout, user.ID, client, true, "User logged out", map[string]any{
		"token_id": claim.TokenID,
	})
	return nil
}

// mutateUser applies fn to user and writes the security fields back. On a
// version conflict the row is re-read and fn runs again on the fresh copy.
func (s *AuthService) mutateUser(ctx context.Context, user models.User, fn func(u *models.User) error) (models.User, error) {
	for attempt := 1; ; attempt++ {
		if err := fn(&user); err != nil {
			return user, err
		}

		err := s.users.UpdateSecurity(ctx, user)
		if err == nil {
			user.Version++
			return user, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return user, loadErr(err, autherr.KindInvalidToken)
		}
		if attempt == maxWriteAttempts {
			return user, autherr.Internal("write user", err)
		}

		s.log.Debug().Str("user_id", user.ID).Int("attempt", attempt).Msg("user modified concurrently, retrying")
		fresh, err := s.users.GetByID(ctx, user.ID)
		if err != nil {
			return user, loadErr(err, autherr.KindInvalidToken)
		}
		user = fresh
	}
}

// loadErr maps a store error; a missing user becomes missing.
func loadErr(err error, missing autherr.Kind) error {
	if errors.Is(err, repository.ErrUserNotFound) {
		return autherr.Wrap(missing, "user not found", err)
	}
	return autherr.Internal("user store", err)
}

// burnVerify spends the same work on unknown usernames as on known ones.
func (s *AuthService) burnVerify(password string) {
	s.dummyOnce.Do(func() {
		temp, err := s.passwords.GenerateTemporary()
		if err == nil {
			s.dummyDigest, _ = s.passwords.Hash(temp)
		}
	})
	if s.dummyDigest != "" {
		s.passwords.Verify(password, s.dummyDigest)
	}
}

func (s *AuthService) failLogin(ctx context.Context, userID, username string, client models.ClientInfo, reason string, extra map[string]any) {
	details := map[string]any{"username": username, "reason": reason}
	for k, v := range extra {
		details[k] = v
	}
	s.emit(ctx, models.EventLoginAttempt, userID, client, false, "Failed login attempt", details)
	s.recordAttempt(ctx, userID, username, client, false, reason)
}

func (s *AuthService) emit(ctx context.Context, eventType models.EventType, userID string, client models.ClientInfo, success bool, description string, details map[string]any) {
	event := models.AuditEvent{
		EventType:   eventType,
		Description: description,
		IPAddress:   client.IPAddress,
		UserAgent:   client.UserAgent,
		Timestamp:   s.now().UTC(),
		Success:     success,
		Details:     details,
	}
	if userID != "" {
		event.UserID = &userID
	}
	s.audit.Record(ctx, event)
}

func (s *AuthService) recordAttempt(ctx context.Context, userID, username string, client models.ClientInfo, success bool, reason string) {
	attempt := models.LoginAttempt{
		ID:        ids.New(),
		Username:  username,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Success:   success,
		Timestamp: s.now().UTC(),
	}
	if userID != "" {
		attempt.UserID = &userID
	}
	if reason != "" {
		attempt.FailureReason = &reason
	}
	if err := s.attempts.InsertLoginAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		s.log.Error().Err(err).Str("username", username).Msg("login attempt not recorded")
	}
}
