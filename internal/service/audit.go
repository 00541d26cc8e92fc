package service

import (
	"context"
	"time"

	"authgate/internal/autherr"
	"authgate/internal/models"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultEventLimit
	case limit > maxEventLimit:
		return maxEventLimit
	default:
		return limit
	}
}

func (s *AuthService) RecentEvents(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	events, err := s.attempts.RecentEvents(ctx, clampLimit(limit))
	if err != nil {
		return nil, autherr.Internal("recent events", err)
	}
	return events, nil
}

func (s *AuthService) EventsByUser(ctx context.Context, userID string, limit int) ([]models.AuditEvent, error) {
	events, err := s.attempts.EventsByUser(ctx, userID, clampLimit(limit))
	if err != nil {
		return nil, autherr.Internal("user events", err)
	}
	return events, nil
}

// CountRecentFailures counts failed login events inside the trailing window.
func (s *AuthService) CountRecentFailures(ctx context.Context, window time.Duration) (int64, error) {
	if window <= 0 {
		return 0, autherr.New(autherr.KindInvalidRequest, "window must be positive")
	}
	count, err := s.attempts.CountRecentFailures(ctx, s.now().Add(-window))
	if err != nil {
		return 0, autherr.Internal("count failures", err)
	}
	return count, nil
}
