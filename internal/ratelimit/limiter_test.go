package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rl := NewMemoryLimiter(2, time.Minute)
	defer rl.Stop()
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "a")
	assert.False(t, ok)

	ok, _ = rl.Allow(ctx, "b")
	assert.True(t, ok, "keys are independent")

	now = now.Add(61 * time.Second)
	ok, _ = rl.Allow(ctx, "a")
	assert.True(t, ok, "window slides")

	rl.evict()
	rl.mu.Lock()
	_, kept := rl.requests["b"]
	rl.mu.Unlock()
	assert.False(t, kept)
}

func TestRedisLimiter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRedisLimiter(rdb, "debategym", 3, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "owner")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "owner")
	require.NoError(t, err)
	assert.False(t, ok)

	ttl := mr.TTL(rl.key("owner"))
	assert.Positive(t, ttl)
	assert.LessOrEqual(t, ttl, time.Minute)

	now = now.Add(time.Minute)
	ok, err = rl.Allow(ctx, "owner")
	require.NoError(t, err)
	assert.True(t, ok, "next window starts fresh")

	mr.Close()
	_, err = rl.Allow(ctx, "owner")
	assert.Error(t, err)
}
