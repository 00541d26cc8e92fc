package service

import (
	"context"
	"errors"

	"authgate/internal/autherr"
	"authgate/internal/cache"
	"authgate/internal/models"
	"authgate/internal/security"
)

type TwoFactorSetup struct {
	Secret      string   `json:"secret"`
	QRCode      string   `json:"qr_code"`
	BackupCodes []string `json:"backup_codes"`
	Enabled     bool     `json:"enabled"`
}

// PrepareTwoFactor generates a secret and backup codes and parks them until
// SetupTwoFactor proves the user's authenticator produces matching codes.
func (s *AuthService) PrepareTwoFactor(ctx context.Context, userID string) (TwoFactorSetup, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return TwoFactorSetup{}, loadErr(err, autherr.KindInvalidToken)
	}
	if user.TwoFAEnabled {
		return TwoFactorSetup{}, autherr.New(autherr.KindInvalidRequest, "two-factor authentication is already enabled")
	}

	secret, err := s.factors.GenerateSecret()
	if err != nil {
		return TwoFactorSetup{}, err
	}
	codes, err := s.factors.GenerateBackupCodes(s.settings.BackupCodeCount)
	if err != nil {
		return TwoFactorSetup{}, err
	}
	qr, err := s.factors.QRCode(user.Username, secret)
	if err != nil {
		return TwoFactorSetup{}, err
	}

	err = s.pending.SaveSetup(ctx, user.ID, cache.PendingSetup{
		Secret:      secret,
		BackupCodes: codes,
		CreatedAt:   s.now().UTC(),
	}, s.settings.SetupTTL)
	if err != nil {
		return TwoFactorSetup{}, autherr.Internal("store pending setup", err)
	}

	return TwoFactorSetup{Secret: secret, QRCode: qr, BackupCodes: codes}, nil
}

// SetupTwoFactor enables the second factor prepared earlier once code
// verifies against it.
func (s *AuthService) SetupTwoFactor(ctx context.Context, userID, code string, client models.ClientInfo) (TwoFactorSetup, error) {
	fail := func(reason string, err error) (TwoFactorSetup, error) {
		s.emit(ctx, models.EventTwoFASetup, userID, client, false, "Two-factor setup rejected", map[string]any{
			"reason": reason,
		})
		return TwoFactorSetup{}, err
	}

	state, err := s.pending.GetSetup(ctx, userID)
	if err != nil {
		if errors.Is(err, cache.ErrPendingNotFound) {
			return fail("no pending setup", autherr.New(autherr.KindInvalidRequest, "two-factor setup has not been prepared or has expired"))
		}
		return fail("internal error", autherr.Internal("load pending setup", err))
	}

	if security.ClassifyCode(code) != security.CodeTOTP || !s.factors.Verify(state.Secret, code) {
		return fail("invalid code", autherr.ErrInvalidCredentials)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fail("user unavailable", loadErr(err, autherr.KindInvalidToken))
	}
	if user.TwoFAEnabled {
		return fail("already enabled", autherr.New(autherr.KindInvalidRequest, "two-factor authentication is already enabled"))
	}

	hashed := security.HashBackupCodes(state.BackupCodes)
	user, err = s.mutateUser(ctx, user, func(u *models.User) error {
		if u.TwoFAEnabled {
			return autherr.New(autherr.KindInvalidRequest, "two-factor authentication is already enabled")
		}
		u.EnableTwoFA(state.Secret, hashed, s.now().UTC())
		return nil
	})
	if err != nil {
		return fail(autherr.KindOf(err).String(), err)
	}

	if err := s.pending.DeleteSetup(ctx, userID); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("pending setup not removed")
	}

	qr, err := s.factors.QRCode(user.Username, state.Secret)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("qr code not rendered")
	}

	s.emit(ctx, models.EventTwoFASetup, userID, client, true, "Two-factor authentication enabled", map[string]any{
		"backup_codes": len(hashed),
	})
	return TwoFactorSetup{
		Secret:      state.Secret,
		QRCode:      qr,
		BackupCodes: state.BackupCodes,
		Enabled:     true,
	}, nil
}

type DisableTwoFactorInput struct {
	Password   string
	TOTPCode   string
	BackupCode string
	Client     models.ClientInfo
}

// DisableTwoFactor turns the second factor off. The password is always
// required; while the factor is on, a valid TOTP or backup code is too.
func (s *AuthService) DisableTwoFactor(ctx context.Context, userID string, in DisableTwoFactorInput) error {
	fail := func(reason string, err error) error {
		s.emit(ctx, models.EventTwoFADisable, userID, in.Client, false, "Two-factor disable rejected", map[string]any{
			"reason": reason,
		})
		return err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fail("user unavailable", loadErr(err, autherr.KindInvalidToken))
	}
	if !s.passwords.Verify(in.Password, user.PasswordHash) {
		return fail("invalid password", autherr.ErrInvalidCredentials)
	}

	if user.TwoFAEnabled {
		code := in.TOTPCode
		if code == "" {
			code = in.BackupCode
		}
		if code == "" {
			return fail("code required", autherr.ErrInvalidCredentials)
		}
		if _, ok := s.checkSecondFactor(user, code); !ok {
			return fail("invalid code", autherr.ErrInvalidCredentials)
		}
	}

	if _, err := s.mutateUser(ctx, user, func(u *models.User) error {
		u.DisableTwoFA()
		return nil
	}); err != nil {
		return fail(autherr.KindOf(err).String(), err)
	}

	s.emit(ctx, models.EventTwoFADisable, userID, in.Client, true, "Two-factor authentication disabled", nil)
	return nil
}
