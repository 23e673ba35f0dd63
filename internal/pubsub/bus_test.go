package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ashureev/debategym/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func exerciseBus(t *testing.T, bus Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subA, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)
	subB, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, "s2")
	require.NoError(t, err)

	msg := &domain.Message{ID: "m1", SessionID: "s1", SenderRole: domain.RoleUser, Content: "hello"}
	require.NoError(t, bus.Publish(ctx, "s1", msg))

	for _, sub := range []*Subscription{subA, subB} {
		ev := receive(t, sub)
		assert.Equal(t, EventMessageInserted, ev.Type)
		assert.Equal(t, "m1", ev.Message.ID)
		assert.Equal(t, "hello", ev.Message.Content)
	}

	select {
	case ev := <-other.Events():
		t.Fatalf("unexpected event on other session: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, subA.Close())
	require.NoError(t, subA.Close())
	require.Eventually(t, func() bool {
		_, ok := <-subA.Events()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryBus(t *testing.T) {
	t.Parallel()
	bus := NewMemoryBus(8, nil)
	defer func() { _ = bus.Close() }()
	exerciseBus(t, bus)
}

func TestMemoryBusContextCancelClosesSubscription(t *testing.T) {
	t.Parallel()
	bus := NewMemoryBus(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)
	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-sub.Events()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBus(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	exerciseBus(t, NewRedisBus(rdb, "test", nil))
}
