package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window counter shared by every replica.
type RedisLimiter struct {
	rdb    *goredis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter creates a limiter storing counters under prefix.
func NewRedisLimiter(rdb *goredis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (r *RedisLimiter) key(key string) string {
	bucket := r.now().UnixNano() / int64(r.window)
	return fmt.Sprintf("%s:rl:%s:%d", r.prefix, key, bucket)
}

// Allow increments the key's counter for the current window.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := r.key(key)

	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return incr.Val() <= int64(r.limit), nil
}
