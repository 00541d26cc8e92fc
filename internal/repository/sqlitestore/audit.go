package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"authgate/internal/models"
	"authgate/internal/repository"
)

func (s *Store) InsertEvent(ctx context.Context, event models.AuditEvent) error {
	const query = `
		INSERT INTO security_events (
			id, user_id, event_type, description, ip_address, user_agent, timestamp, success, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`
	details, err := repository.EncodeDetails(event.Details)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		nullString(event.UserID),
		string(event.EventType),
		event.Description,
		event.IPAddress,
		event.UserAgent,
		event.Timestamp.UnixNano(),
		event.Success,
		nullBytes(details),
	)
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	return nil
}

func (s *Store) InsertLoginAttempt(ctx context.Context, attempt models.LoginAttempt) error {
	const query = `
		INSERT INTO login_attempts (
			id, user_id, username, ip_address, user_agent, success, failure_reason, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		attempt.ID,
		nullString(attempt.UserID),
		attempt.Username,
		attempt.IPAddress,
		attempt.UserAgent,
		attempt.Success,
		nullString(attempt.FailureReason),
		attempt.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

const eventColumns = `id, user_id, event_type, description, ip_address, user_agent, timestamp, success, metadata`

func (s *Store) RecentEvents(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM security_events ORDER BY timestamp DESC LIMIT ?`
	return s.listEvents(ctx, query, limit)
}

func (s *Store) EventsByUser(ctx context.Context, userID string, limit int) ([]models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM security_events WHERE user_id = ? ORDER BY timestamp DESC LIMIT ?`
	return s.listEvents(ctx, query, userID, limit)
}

func (s *Store) EventsBetween(ctx context.Context, from, to time.Time) ([]models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM security_events WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC`
	return s.listEvents(ctx, query, from.UnixNano(), to.UnixNano())
}

func (s *Store) CountRecentFailures(ctx context.Context, since time.Time) (int64, error) {
	const query = `
		SELECT COUNT(*) FROM security_events
		WHERE event_type = ? AND success = 0 AND timestamp >= ?
	`
	var count int64
	if err := s.db.QueryRowContext(ctx, query, string(models.EventLoginAttempt), since.UnixNano()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count failures: %w", err)
	}
	return count, nil
}

func (s *Store) listEvents(ctx context.Context, query string, args ...any) ([]models.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(row scanner) (models.AuditEvent, error) {
	var (
		event     models.AuditEvent
		userID    sql.NullString
		eventType string
		timestamp int64
		details   sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&userID,
		&eventType,
		&event.Description,
		&event.IPAddress,
		&event.UserAgent,
		&timestamp,
		&event.Success,
		&details,
	); err != nil {
		return models.AuditEvent{}, fmt.Errorf("scan security event: %w", err)
	}
	event.UserID = fromNullString(userID)
	event.EventType = models.EventType(eventType)
	event.Timestamp = time.Unix(0, timestamp).UTC()

	if details.Valid {
		var err error
		if event.Details, err = repository.DecodeDetails([]byte(details.String)); err != nil {
			return models.AuditEvent{}, fmt.Errorf("event %s: %w", event.ID, err)
		}
	}
	return event, nil
}
