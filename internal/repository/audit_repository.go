package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"authgate/internal/models"
)

// AuditRepository appends to and reads from security_events and
// login_attempts. Rows are never updated or deleted.
type AuditRepository struct {
	db DBTX
}

func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

// InsertEvent is idempotent on event id so redelivered stream messages are
// harmless.
func (r *AuditRepository) InsertEvent(ctx context.Context, event models.AuditEvent) error {
	const query = `
		INSERT INTO security_events (
			id, user_id, event_type, description, ip_address, user_agent, timestamp, success, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (id) DO NOTHING
	`

	details, err := EncodeDetails(event.Details)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, query,
		event.ID,
		event.UserID,
		string(event.EventType),
		event.Description,
		event.IPAddress,
		event.UserAgent,
		event.Timestamp,
		event.Success,
		details,
	)
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	return nil
}

func (r *AuditRepository) InsertLoginAttempt(ctx context.Context, attempt models.LoginAttempt) error {
	const query = `
		INSERT INTO login_attempts (
			id, user_id, username, ip_address, user_agent, success, failure_reason, timestamp
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`
	_, err := r.db.Exec(ctx, query,
		attempt.ID,
		attempt.UserID,
		attempt.Username,
		attempt.IPAddress,
		attempt.UserAgent,
		attempt.Success,
		attempt.FailureReason,
		attempt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

const eventColumns = `id, user_id, event_type, description, ip_address, user_agent, timestamp, success, metadata`

func (r *AuditRepository) RecentEvents(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM security_events ORDER BY timestamp DESC LIMIT $1`
	return r.listEvents(ctx, query, limit)
}

func (r *AuditRepository) EventsByUser(ctx context.Context, userID string, limit int) ([]models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM security_events WHERE user_id = $1 ORDER BY timestamp DESC LIMIT $2`
	return r.listEvents(ctx, query, userID, limit)
}

// EventsBetween returns events with from <= timestamp < to, oldest first.
func (r *AuditRepository) EventsBetween(ctx context.Context, from, to time.Time) ([]models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM security_events WHERE timestamp >= $1 AND timestamp < $2 ORDER BY timestamp ASC`
	return r.listEvents(ctx, query, from, to)
}

func (r *AuditRepository) CountRecentFailures(ctx context.Context, since time.Time) (int64, error) {
	const query = `
		SELECT COUNT(*) FROM security_events
		WHERE event_type = $1 AND success = FALSE AND timestamp >= $2
	`
	var count int64
	if err := r.db.QueryRow(ctx, query, string(models.EventLoginAttempt), since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count failures: %w", err)
	}
	return count, nil
}

func (r *AuditRepository) listEvents(ctx context.Context, query string, args ...any) ([]models.AuditEvent, error) {
	rows, err := r.db.Query(ctx, query, args...)
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

func scanEvent(row pgx.Row) (models.AuditEvent, error) {
	var (
		event     models.AuditEvent
		eventType string
		details   []byte
	)
	if err := row.Scan(
		&event.ID,
		&event.UserID,
		&eventType,
		&event.Description,
		&event.IPAddress,
		&event.UserAgent,
		&event.Timestamp,
		&event.Success,
		&details,
	); err != nil {
		return models.AuditEvent{}, fmt.Errorf("scan security event: %w", err)
	}
	event.EventType = models.EventType(eventType)

	var err error
	if event.Details, err = DecodeDetails(details); err != nil {
		return models.AuditEvent{}, fmt.Errorf("event %s: %w", event.ID, err)
	}
	return event, nil
}
