package service

import (
	"context"
	"errors"

	"authgate/internal/autherr"
	"authgate/internal/models"
	"authgate/internal/repository"
)

type ChangePasswordInput struct {
	CurrentPassword string
	NewPassword     string
	ConfirmPassword string
	Client          models.ClientInfo
}

// ChangePassword replaces the user's password and clears the temporary flag.
// Exactly one PASSWORD_CHANGE event is recorded whatever the outcome.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, in ChangePasswordInput) (err error) {
	wasTemporary := false
	defer func() {
		details := map[string]any{"was_temporary": wasTemporary}
		description := "Password changed"
		if err != nil {
			description = "Password change rejected"
			details["reason"] = autherr.KindOf(err).String()
		} else {
			details["strength"] = s.passwords.RateStrength(in.NewPassword).String()
		}
		s.emit(ctx, models.EventPasswordChange, userID, in.Client, err == nil, description, details)
	}()

	if in.NewPassword != in.ConfirmPassword {
		return autherr.ErrPasswordMismatch
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return loadErr(err, autherr.KindInvalidToken)
	}
	wasTemporary = user.IsTemporaryPassword

	if !s.passwords.Verify(in.CurrentPassword, user.PasswordHash) {
		return autherr.ErrInvalidCredentials
	}
	if err := s.passwords.ValidateStrength(in.NewPassword); err != nil {
		return err
	}
	if s.passwords.PasswordsEqual(in.NewPassword, user.PasswordHash) {
		return autherr.ErrPasswordReused
	}

	digest, err := s.passwords.Hash(in.NewPassword)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err = s.users.UpdatePassword(ctx, user.ID, user.Version, digest, s.now().UTC())
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return loadErr(err, autherr.KindInvalidToken)
		}
		if attempt == maxWriteAttempts {
			return autherr.Internal("write password", err)
		}
		fresh, err := s.users.GetByID(ctx, user.ID)
		if err != nil {
			return loadErr(err, autherr.KindInvalidToken)
		}
		if fresh.PasswordHash != user.PasswordHash {
			// Someone else changed it in between; the current password the
			// caller proved is stale.
			return autherr.ErrInvalidCredentials
		}
		user = fresh
	}

	s.log.Info().Str("user_id", user.ID).Bool("was_temporary", wasTemporary).Msg("password changed")
	return nil
}
