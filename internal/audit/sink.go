// Package audit delivers security events to durable storage without letting
// a slow or broken sink hold up authentication.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"authgate/internal/models"
)

// Sink is anything that can durably append an event.
type Sink interface {
	Append(ctx context.Context, event models.AuditEvent) error
}

type EventWriter interface {
	InsertEvent(ctx context.Context, event models.AuditEvent) error
}

// StoreSink writes events straight into the database.
type StoreSink struct {
	store EventWriter
}

func NewStoreSink(store EventWriter) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Append(ctx context.Context, event models.AuditEvent) error {
	return s.store.InsertEvent(ctx, event)
}

const payloadField = "event"

// StreamSink publishes events to a redis stream for the worker to persist.
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSink {
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Append(ctx context.Context, event models.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{payloadField: string(payload)},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

// StreamHandler is the worker side of StreamSink.
type StreamHandler struct {
	store  EventWriter
	logger zerolog.Logger
}

func NewStreamHandler(store EventWriter, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{store: store, logger: logger}
}

func (h *StreamHandler) Handle(ctx context.Context, msg redis.XMessage) error {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		// Malformed messages are acked, never retried.
		h.logger.Warn().Str("message_id", msg.ID).Msg("audit message without payload dropped")
		return nil
	}

	var event models.AuditEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		h.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("undecodable audit message dropped")
		return nil
	}

	if err := h.store.InsertEvent(ctx, event); err != nil {
		return fmt.Errorf("persist audit event %s: %w", event.ID, err)
	}
	h.logger.Debug().
		Str("event_id", event.ID).
		Str("event_type", string(event.EventType)).
		Msg("audit event persisted")
	return nil
}
