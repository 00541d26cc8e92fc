package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrPendingNotFound = errors.New("pending state not found or expired")

// PendingLogin is the state between a verified password and a verified
// second factor.
type PendingLogin struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingSetup holds a secret that has been shown to the user but not yet
// confirmed with a code.
type PendingSetup struct {
	Secret      string    `json:"secret"`
	BackupCodes []string  `json:"backup_codes"`
	CreatedAt   time.Time `json:"created_at"`
}

type PendingStore struct {
	client *redis.Client
}

func NewPendingStore(client *redis.Client) *PendingStore {
	return &PendingStore{client: client}
}

func loginKey(token string) string { return "auth:2fa:pending:" + token }

func setupKey(userID string) string { return "auth:2fa:setup:" + userID }

func (s *PendingStore) SaveLogin(ctx context.Context, token string, state PendingLogin, ttl time.Duration) error {
	return s.put(ctx, loginKey(token), state, ttl)
}

// TakeLogin returns and deletes the pending login in one step, so a token
// can be redeemed at most once.
func (s *PendingStore) TakeLogin(ctx context.Context, token string) (PendingLogin, error) {
	var state PendingLogin
	raw, err := s.client.GetDel(ctx, loginKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return state, ErrPendingNotFound
		}
		return state, fmt.Errorf("take pending login: %w", err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("decode pending login: %w", err)
	}
	return state, nil
}

func (s *PendingStore) SaveSetup(ctx context.Context, userID string, state PendingSetup, ttl time.Duration) error {
	return s.put(ctx, setupKey(userID), state, ttl)
}

func (s *PendingStore) GetSetup(ctx context.Context, userID string) (PendingSetup, error) {
	var state PendingSetup
	raw, err := s.client.Get(ctx, setupKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return state, ErrPendingNotFound
		}
		return state, fmt.Errorf("get pending setup: %w", err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("decode pending setup: %w", err)
	}
	return state, nil
}

func (s *PendingStore) DeleteSetup(ctx context.Context, userID string) error {
	return s.client.Del(ctx, setupKey(userID)).Err()
}

func (s *PendingStore) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}
