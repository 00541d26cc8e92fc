package service

import (
	"context"
	"errors"

	"authgate/internal/autherr"
	"authgate/internal/ids"
	"authgate/internal/models"
	"authgate/internal/repository"
)

// EnsureBootstrapAccount creates the first administrator when the user table
// is empty. The temporary password is logged once and never stored in clear.
// It reports whether an account was created.
func (s *AuthService) EnsureBootstrapAccount(ctx context.Context) (bool, error) {
	count, err := s.users.Count(ctx)
	if err != nil {
		return false, autherr.Internal("count users", err)
	}
	if count > 0 {
		return false, nil
	}

	password, err := s.passwords.GenerateTemporary()
	if err != nil {
		return false, err
	}
	digest, err := s.passwords.Hash(password)
	if err != nil {
		return false, err
	}

	user := models.User{
		ID:                  ids.New(),
		Username:            s.settings.BootstrapUsername,
		PasswordHash:        digest,
		Role:                models.RoleAdministrator,
		IsTemporaryPassword: true,
		CreatedAt:           s.now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			s.log.Info().Str("username", user.Username).Msg("bootstrap account created by another instance")
			return false, nil
		}
		return false, autherr.Internal("create bootstrap account", err)
	}

	s.log.Warn().
		Str("username", user.Username).
		Str("temporary_password", password).
		Msg("bootstrap administrator created; change this password at first login")

	s.emit(ctx, models.EventAccountBootstrap, user.ID, models.ClientInfo{}, true, "Bootstrap administrator created", map[string]any{
		"username": user.Username,
	})
	return true, nil
}
