package audit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/models"
)

type memorySink struct {
	mu      sync.Mutex
	events  []models.AuditEvent
	err     error
	started chan struct{}
	release chan struct{}
}

func (s *memorySink) Append(ctx context.Context, event models.AuditEvent) error {
	if s.started != nil {
		s.started <- struct{}{}
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *memorySink) InsertEvent(ctx context.Context, event models.AuditEvent) error {
	return s.Append(ctx, event)
}

func (s *memorySink) all() []models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEvent(nil), s.events...)
}

func TestRecorderSynchronous(t *testing.T) {
	sink := &memorySink{}
	rec := NewRecorder(sink, zerolog.Nop(), 0, time.Second)
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return at }

	rec.Record(context.Background(), models.AuditEvent{EventType: models.EventLogout, Success: true})

	events := sink.all()
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, at, events[0].Timestamp)
	rec.Close()
}

func TestRecorderSurvivesCancelledContext(t *testing.T) {
	sink := &memorySink{}
	rec := NewRecorder(sink, zerolog.Nop(), 0, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Record(ctx, models.AuditEvent{ID: "e1", EventType: models.EventLogout})

	assert.Len(t, sink.all(), 1)
}

func TestRecorderLogsSinkFailure(t *testing.T) {
	var buf bytes.Buffer
	sink := &memorySink{err: errors.New("disk full")}
	rec := NewRecorder(sink, zerolog.New(&buf), 0, time.Second)

	rec.Record(context.Background(), models.AuditEvent{ID: "e1", EventType: models.EventLoginAttempt})

	assert.Contains(t, buf.String(), "audit append failed")
	assert.Contains(t, buf.String(), "disk full")
}

func TestRecorderBufferedDrainsOnClose(t *testing.T) {
	sink := &memorySink{}
	rec := NewRecorder(sink, zerolog.Nop(), 16, time.Second)

	for i := 0; i < 10; i++ {
		rec.Record(context.Background(), models.AuditEvent{EventType: models.EventTokenValidation})
	}
	rec.Close()
	assert.Len(t, sink.all(), 10)

	rec.Record(context.Background(), models.AuditEvent{EventType: models.EventLogout})
	assert.Len(t, sink.all(), 11, "records after close are written inline")
	rec.Close()
}

func TestRecorderDropsWhenFull(t *testing.T) {
	var buf bytes.Buffer
	sink := &memorySink{started: make(chan struct{}), release: make(chan struct{})}
	rec := NewRecorder(sink, zerolog.New(&buf), 1, time.Second)

	rec.Record(context.Background(), models.AuditEvent{ID: "e1"})
	<-sink.started

	rec.Record(context.Background(), models.AuditEvent{ID: "e2"})
	rec.Record(context.Background(), models.AuditEvent{ID: "e3"})
	assert.Contains(t, buf.String(), "audit buffer full")

	go func() {
		for range sink.started {
		}
	}()
	close(sink.release)
	rec.Close()
	close(sink.started)

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "e2", events[1].ID)
}

func TestStreamRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	uid := "u1"
	event := models.AuditEvent{
		ID:          "e1",
		UserID:      &uid,
		EventType:   models.EventPasswordChange,
		Description: "Password changed",
		Timestamp:   time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Success:     true,
		Details:     map[string]any{"strength": "STRONG"},
	}
	require.NoError(t, NewStreamSink(client, "audit:events", 1000).Append(ctx, event))

	msgs, err := client.XRange(ctx, "audit:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	store := &memorySink{}
	handler := NewStreamHandler(store, zerolog.Nop())
	require.NoError(t, handler.Handle(ctx, msgs[0]))

	got := store.all()
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "u1", *got[0].UserID)
	assert.Equal(t, models.EventPasswordChange, got[0].EventType)
	assert.True(t, event.Timestamp.Equal(got[0].Timestamp))
	assert.Equal(t, "STRONG", got[0].Details["strength"])
}

func TestStreamHandlerDropsMalformed(t *testing.T) {
	store := &memorySink{}
	handler := NewStreamHandler(store, zerolog.Nop())
	ctx := context.Background()

	assert.NoError(t, handler.Handle(ctx, redis.XMessage{ID: "1-0", Values: map[string]any{"other": "x"}}))
	assert.NoError(t, handler.Handle(ctx, redis.XMessage{ID: "2-0", Values: map[string]any{"event": "{not json"}}))
	assert.Empty(t, store.all())

	store.err = errors.New("db down")
	err := handler.Handle(ctx, redis.XMessage{ID: "3-0", Values: map[string]any{"event": `{"id":"e9"}`}})
	assert.ErrorContains(t, err, "persist audit event e9")
}
