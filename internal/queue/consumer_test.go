package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	seen []string
	fail bool
}

func (h *recordingHandler) Handle(_ context.Context, msg redis.XMessage) error {
	h.seen = append(h.seen, msg.Values["event"].(string))
	if h.fail {
		return errors.New("store unavailable")
	}
	return nil
}

func newTestConsumer(t *testing.T, handler MessageHandler) (*Consumer, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewConsumer(client, "auth:audit", "audit-writers", "worker-1", time.Minute, zerolog.Nop(), handler)
	c.block = 10 * time.Millisecond
	return c, client
}

func TestConsumerAcksHandledMessages(t *testing.T) {
	handler := &recordingHandler{}
	c, client := newTestConsumer(t, handler)
	ctx := context.Background()

	require.NoError(t, c.EnsureGroup(ctx))
	require.NoError(t, c.EnsureGroup(ctx), "existing group is fine")

	for _, v := range []string{"a", "b"} {
		require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "auth:audit", Values: map[string]any{"event": v}}).Err())
	}

	acked, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, acked)
	assert.Equal(t, []string{"a", "b"}, handler.seen)

	pending, err := client.XPending(ctx, "auth:audit", "audit-writers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	acked, err = c.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, acked, "nothing new")
}

func TestConsumerLeavesFailedMessagesPending(t *testing.T) {
	handler := &recordingHandler{fail: true}
	c, client := newTestConsumer(t, handler)
	ctx := context.Background()

	require.NoError(t, c.EnsureGroup(ctx))
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "auth:audit", Values: map[string]any{"event": "a"}}).Err())

	acked, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, acked)

	pending, err := client.XPending(ctx, "auth:audit", "audit-writers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestConsumerStartStopsOnCancel(t *testing.T) {
	c, _ := newTestConsumer(t, &recordingHandler{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
