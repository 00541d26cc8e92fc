package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/autherr"
	"authgate/internal/models"
	"authgate/internal/repository/sqlitestore"
)

// enableTwoFactor runs prepare and setup for userID and returns the setup
// response, which carries the plaintext backup codes.
func (h *harness) enableTwoFactor(t *testing.T, userID string) TwoFactorSetup {
	t.Helper()
	ctx := context.Background()

	prepared, err := h.svc.PrepareTwoFactor(ctx, userID)
	require.NoError(t, err)
	assert.False(t, prepared.Enabled)
	assert.Contains(t, prepared.QRCode, "data:image/png;base64,")
	assert.Len(t, prepared.BackupCodes, 10)

	code, err := h.factors.CodeAt(prepared.Secret, h.clock.Now())
	require.NoError(t, err)

	setup, err := h.svc.SetupTwoFactor(ctx, userID, code, client)
	require.NoError(t, err)
	assert.True(t, setup.Enabled)
	assert.Equal(t, prepared.Secret, setup.Secret)
	assert.Equal(t, prepared.BackupCodes, setup.BackupCodes)
	return setup
}

func (h *harness) totp(t *testing.T, secret string) string {
	t.Helper()
	code, err := h.factors.CodeAt(secret, h.clock.Now())
	require.NoError(t, err)
	return code
}

func TestTwoFactorSetupRequiresMatchingCode(t *testing.T) {
	h := newHarness(t)
	seeded := h.seedUser(t, "alice", alicePassword)
	ctx := context.Background()

	_, err := h.svc.SetupTwoFactor(ctx, seeded.ID, "123456", client)
	assert.ErrorIs(t, err, autherr.ErrInvalidRequest, "nothing prepared yet")

	prepared, err := h.svc.PrepareTwoFactor(ctx, seeded.ID)
	require.NoError(t, err)

	wrong := "000000"
	if h.totp(t, prepared.Secret) == wrong {
		wrong = "111111"
	}
	_, err = h.svc.SetupTwoFactor(ctx, seeded.ID, wrong, client)
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	assert.False(t, h.user(t, seeded.ID).TwoFAEnabled)

	_, err = h.svc.SetupTwoFactor(ctx, seeded.ID, h.totp(t, prepared.Secret), client)
	require.NoError(t, err, "a wrong code leaves the prepared secret in place")

	stored := h.user(t, seeded.ID)
	assert.True(t, stored.TwoFAEnabled)
	require.NotNil(t, stored.TwoFASecret)
	assert.Equal(t, prepared.Secret, *stored.TwoFASecret)
	assert.Len(t, stored.TwoFABackupCodes, 10)
	assert.NotContains(t, stored.TwoFABackupCodes, prepared.BackupCodes[0], "only digests are stored")

	_, err = h.svc.PrepareTwoFactor(ctx, seeded.ID)
	assert.ErrorIs(t, err, autherr.ErrInvalidRequest, "already enabled")

	setups := h.events(t, models.EventTwoFASetup)
	require.Len(t, setups, 3)
}

func TestTwoFactorLogin(t *testing.T) {
	h := newHarness(t)
	seeded := h.seedUser(t, "alice", alicePassword)
	setup := h.enableTwoFactor(t, seeded.ID)
	ctx := context.Background()

	partial, err := h.login(t, "alice", alicePassword)
	require.NoError(t, err)
	assert.True(t, partial.RequiresTwoFA)
	assert.Empty(t, partial.Token)
	assert.Regexp(t, `^2fa_`, partial.PendingToken)

	_, err = h.svc.CompleteTwoFactorLogin(ctx, CompleteTwoFactorInput{PendingToken: partial.PendingToken, Code: "12345", Client: client})
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials, "malformed code")
	assert.Equal(t, 1, h.user(t, seeded.ID).LoginAttempts, "a failed second factor counts toward lockout")

	_, err = h.svc.CompleteTwoFactorLogin(ctx, CompleteTwoFactorInput{PendingToken: partial.PendingToken, Code: h.totp(t, setup.Secret), Client: client})
	assert.ErrorIs(t, err, autherr.ErrInvalidToken, "pending token is single use")

	partial, err = h.login(t, "alice", alicePassword)
	require.NoError(t, err)
	assert.Zero(t, h.user(t, seeded.ID).LoginAttempts, "a correct password clears the counter")

	full, err := h.svc.CompleteTwoFactorLogin(ctx, CompleteTwoFactorInput{PendingToken: partial.PendingToken, Code: h.totp(t, setup.Secret), Client: client})
	require.NoError(t, err)
	assert.NotEmpty(t, full.Token)
	assert.False(t, full.RequiresTwoFA)
	assert.Zero(t, h.user(t, seeded.ID).LoginAttempts)

	session, err := h.svc.ValidateSession(ctx, full.Token, client)
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, session.User.ID)

	verifies := h.events(t, models.EventTwoFAVerify)
	require.Len(t, verifies, 3)
}

func TestTwoFactorBackupCodeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	seeded := h.seedUser(t, "alice", alicePassword)
	setup := h.enableTwoFactor(t, seeded.ID)
	ctx := context.Background()
	code := setup.BackupCodes[3]

	partial, err := h.login(t, "alice", alicePassword)
	require.NoError(t, err)
	full, err := h.svc.CompleteTwoFactorLogin(ctx, CompleteTwoFactorInput{PendingToken: partial.PendingToken, Code: code, Client: client})
	require.NoError(t, err)
	assert.NotEmpty(t, full.Token)
	assert.Len(t, h.user(t, seeded.ID).TwoFABackupCodes, 9)

	partial, err = h.login(t, "alice", alicePassword)
	require.NoError(t, err)
	_, err = h.svc.CompleteTwoFactorLogin(ctx, CompleteTwoFactorInput{PendingToken: partial.PendingToken, Code: code, Client: client})
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
}

func TestTwoFactorInlineCodeAtLogin(t *testing.T) {
	h := newHarness(t)
	seeded := h.seedUser(t, "alice", alicePassword)
	setup := h.enableTwoFactor(t, seeded.ID)

	res, err := h.svc.Login(context.Background(), LoginInput{
		Username:  "alice",
		Password:  alicePassword,
		TwoFACode: h.totp(t, setup.Secret),
		Client:    client,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.False(t, res.RequiresTwoFA)
}

func TestTwoFactorCompletionNeedsLiveSession(t *testing.T) {
	h := newHarness(t)
	seeded := h.seedUser(t, "alice", alicePassword)
	setup := h.enableTwoFactor(t, seeded.ID)
	ctx := context.Background()

	first, err := h.login(t, "alice", alicePassword)
	require.NoError(t, err)
	second, err := h.login(t, "alice", alicePassword)
	require.NoError(t, err)

	_, err = h.svc.CompleteTwoFactorLogin(ctx, CompleteTwoFactorInput{PendingToken: first.PendingToken, Code: h.totp(t, setup.Secret), Client: client})
	assert.ErrorIs(t, err, autherr.ErrSessionExpired, "a later login replaced the pending session")

	_, err = h.svc.CompleteTwoFactorLogin(ctx, CompleteTwoFactorInput{PendingToken: second.PendingToken, Code: h.totp(t, setup.Secret), Client: client})
	assert.NoError(t, err)
}

func TestTwoFactorPasswordStepResetsAttempts(t *testing.T) {
	h := newHarness(t)
	seeded := h.seedUser(t, "alice", alicePassword)
	h.enableTwoFactor(t, seeded.ID)

	for i := 0; i < 4; i++ {
		_, err := h.login(t, "alice", "Wr0ng!Password#1")
		require.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	}
	assert.Equal(t, 4, h.user(t, seeded.ID).LoginAttempts)

	partial, err := h.login(t, "alice", alicePassword)
	require.NoError(t, err)
	assert.True(t, partial.RequiresTwoFA)
	assert.Zero(t, h.user(t, seeded.ID).LoginAttempts)

	_, err = h.login(t, "alice", "Wr0ng!Password#1")
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials, "one more failure does not lock")
	assert.Equal(t, 1, h.user(t, seeded.ID).LoginAttempts)
}

func TestTwoFactorLockout(t *testing.T) {
	h := newHarness(t)
	seeded := h.seedUser(t, "alice", alicePassword)
	setup := h.enableTwoFactor(t, seeded.ID)
	ctx := context.Background()

	partial, err := h.login(t, "alice", alicePassword)
	require.NoError(t, err)
	_, err = h.svc.CompleteTwoFactorLogin(ctx, CompleteTwoFactorInput{PendingToken: partial.PendingToken, Code: "ZZZZZZZZ", Client: client})
	require.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	assert.Equal(t, 1, h.user(t, seeded.ID).LoginAttempts)

	for i := 0; i < 3; i++ {
		_, err = h.login(t, "alice", "Wr0ng!Password#1")
		require.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	}
	_, err = h.login(t, "alice", "Wr0ng!Password#1")
	assert.ErrorIs(t, err, autherr.ErrAccountLocked, "second factor and password failures share the counter")

	_, err = h.login(t, "alice", alicePassword)
	assert.ErrorIs(t, err, autherr.ErrAccountLocked)

	h.clock.Advance(6 * time.Minute)
	partial, err = h.login(t, "alice", alicePassword)
	require.NoError(t, err)
	_, err = h.svc.CompleteTwoFactorLogin(ctx, CompleteTwoFactorInput{PendingToken: partial.PendingToken, Code: h.totp(t, setup.Secret), Client: client})
	assert.NoError(t, err)
}

func TestTwoFactorBackupCodeSpentConcurrently(t *testing.T) {
	racing := &racingStore{}
	h := newHarness(t, withUserStore(func(s *sqlitestore.Store) UserStore {
		racing.Store = s
		return racing
	}))
	seeded := h.seedUser(t, "alice", alicePassword)
	setup := h.enableTwoFactor(t, seeded.ID)
	code := setup.BackupCodes[0]

	partial, err := h.login(t, "alice", alicePassword)
	require.NoError(t, err)

	racing.races = 1
	racing.compete = func(u *models.User) {
		ok, remaining := h.factors.VerifyBackupCode(u.TwoFABackupCodes, code)
		require.True(t, ok)
		u.TwoFABackupCodes = remaining
	}
	_, err = h.svc.CompleteTwoFactorLogin(context.Background(), CompleteTwoFactorInput{PendingToken: partial.PendingToken, Code: code, Client: client})
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)

	stored := h.user(t, seeded.ID)
	assert.Equal(t, 1, stored.LoginAttempts, "the lost race counts toward lockout")
	assert.Len(t, stored.TwoFABackupCodes, 9)

	var rejected bool
	for _, e := range h.events(t, models.EventTwoFAVerify) {
		if !e.Success && e.Details["reason"] == "backup code already used" {
			rejected = true
		}
	}
	assert.True(t, rejected, "the rejection is audited")
}

func TestDisableTwoFactor(t *testing.T) {
	h := newHarness(t)
	seeded := h.seedUser(t, "alice", alicePassword)
	setup := h.enableTwoFactor(t, seeded.ID)
	ctx := context.Background()

	disable := func(in DisableTwoFactorInput) error {
		in.Client = client
		return h.svc.DisableTwoFactor(ctx, seeded.ID, in)
	}

	assert.ErrorIs(t, disable(DisableTwoFactorInput{Password: "Wr0ng!Password#1", TOTPCode: h.totp(t, setup.Secret)}), autherr.ErrInvalidCredentials)
	assert.ErrorIs(t, disable(DisableTwoFactorInput{Password: alicePassword}), autherr.ErrInvalidCredentials, "code required while enabled")
	assert.ErrorIs(t, disable(DisableTwoFactorInput{Password: alicePassword, BackupCode: "AAAAAAAA"}), autherr.ErrInvalidCredentials)
	assert.True(t, h.user(t, seeded.ID).TwoFAEnabled)

	require.NoError(t, disable(DisableTwoFactorInput{Password: alicePassword, BackupCode: setup.BackupCodes[0]}))

	stored := h.user(t, seeded.ID)
	assert.False(t, stored.TwoFAEnabled)
	assert.Nil(t, stored.TwoFASecret)
	assert.Nil(t, stored.TwoFABackupCodes)

	res, err := h.login(t, "alice", alicePassword)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)

	disables := h.events(t, models.EventTwoFADisable)
	assert.Len(t, disables, 4)
}
