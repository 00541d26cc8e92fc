package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"authgate/internal/ids"
)

// RateLimiter is a sliding-window counter over a redis sorted set. Each
// attempt is a member scored by its timestamp; members older than the window
// are dropped before counting.
type RateLimiter struct {
	client *redis.Client
	window time.Duration
	max    int
	prefix string
	now    func() time.Time
}

func NewRateLimiter(client *redis.Client, window time.Duration, max int, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		client: client,
		window: window,
		max:    max,
		prefix: "auth:ratelimit:",
		now:    now,
	}
}

func LoginKey(username, ip string) string {
	return strings.ToLower(username) + ":" + ip
}

// Allow records an attempt for key and reports whether it is within the
// limit. Rejected attempts are recorded too, so hammering keeps the window
// full.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.max <= 0 {
		return true, nil
	}

	now := l.now()
	redisKey := l.prefix + key
	cutoff := now.Add(-l.window).UnixMicro()

	var count *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("(%d", cutoff))
		count = pipe.ZCard(ctx, redisKey)
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMicro()), Member: ids.New()})
		pipe.PExpire(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}

	return count.Val() < int64(l.max), nil
}

func (l *RateLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}
