package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/shared"
	"github.com/ashureev/debategym/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateActiveSeedsSynchronously(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newSQLiteEnv(t)

	sess, err := e.lifecycle.GetOrCreateActive(ctx, "owner", CreateOptions{Kind: domain.KindTroll})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, sess.Status)
	assert.Equal(t, "troll", sess.PersonaID)

	msgs, err := e.repo.ListMessages(ctx, store.MessageQuery{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleAI, msgs[0].SenderRole)
	assert.NotEmpty(t, msgs[0].Content)

	again, err := e.lifecycle.GetOrCreateActive(ctx, "owner", CreateOptions{Kind: domain.KindTroll})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)

	debate, err := e.lifecycle.GetOrCreateActive(ctx, "owner", CreateOptions{Kind: domain.KindDebate, Topic: "Taxes"})
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, debate.ID)
	assert.Equal(t, "Taxes", debate.Topic)
}

func TestGetOrCreateActiveValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newSQLiteEnv(t)

	_, err := e.lifecycle.GetOrCreateActive(ctx, "", CreateOptions{})
	assert.True(t, shared.IsKind(err, shared.KindAuth))

	_, err = e.lifecycle.GetOrCreateActive(ctx, "owner", CreateOptions{Kind: "poetry"})
	assert.True(t, shared.IsKind(err, shared.KindValidation))

	_, err = e.lifecycle.GetOrCreateActive(ctx, "owner", CreateOptions{Kind: domain.KindDebate, PersonaID: "troll"})
	assert.True(t, shared.IsKind(err, shared.KindValidation))
}

func TestGetOrCreateActiveConcurrentCallersAgree(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newMemEnv(t)

	const callers = 6
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := e.lifecycle.GetOrCreateActive(ctx, "owner", CreateOptions{Kind: domain.KindDebate})
			if assert.NoError(t, err) {
				ids[i] = sess.ID
			}
		}(i)
	}
	wg.Wait()

	active, err := e.repo.ListActiveSessions(ctx, "owner", domain.KindDebate)
	require.NoError(t, err)
	require.NotEmpty(t, active)
	for _, id := range ids {
		assert.NotEmpty(t, id)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newSQLiteEnv(t)
	sess, err := e.lifecycle.GetOrCreateActive(ctx, "owner", CreateOptions{Kind: domain.KindDebate})
	require.NoError(t, err)

	ended, err := e.lifecycle.End(ctx, "owner", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, ended.Status)

	again, err := e.lifecycle.End(ctx, "owner", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, again.Status)

	_, err = e.lifecycle.End(ctx, "intruder", sess.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	fresh, err := e.lifecycle.GetOrCreateActive(ctx, "owner", CreateOptions{Kind: domain.KindDebate})
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, fresh.ID)
}

func TestDeleteOwnerOnlyAndIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newSQLiteEnv(t)
	sess, err := e.lifecycle.GetOrCreateActive(ctx, "owner", CreateOptions{Kind: domain.KindDebate})
	require.NoError(t, err)

	err = e.lifecycle.Delete(ctx, "intruder", sess.ID)
	assert.True(t, shared.IsKind(err, shared.KindNotFound))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.lifecycle.Delete(ctx, "owner", sess.ID)
		}(i)
	}
	wg.Wait()
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])

	_, err = e.repo.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	msgs, err := e.repo.ListMessages(ctx, store.MessageQuery{SessionID: sess.ID})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.NoError(t, e.lifecycle.Delete(ctx, "owner", sess.ID))
}

func TestPostMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newSQLiteEnv(t)
	sess, err := e.lifecycle.GetOrCreateActive(ctx, "owner", CreateOptions{Kind: domain.KindDebate})
	require.NoError(t, err)

	sub, err := e.bus.Subscribe(ctx, sess.ID)
	require.NoError(t, err)
	defer sub.Close()

	e.clock.Advance(time.Minute)
	msg, err := e.lifecycle.PostMessage(ctx, "owner", sess.ID, "  Taxes are theft  ", "tmp-1")
	require.NoError(t, err)
	assert.Equal(t, "Taxes are theft", msg.Content)
	assert.Equal(t, "tmp-1", msg.ClientID())
	require.NotNil(t, msg.SenderID)
	assert.Equal(t, "owner", *msg.SenderID)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, msg.ID, ev.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not published")
	}

	touched, err := e.repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, touched.UpdatedAt.Equal(msg.CreatedAt))

	_, err = e.lifecycle.PostMessage(ctx, "owner", sess.ID, "   ", "")
	assert.True(t, shared.IsKind(err, shared.KindValidation))

	_, err = e.lifecycle.PostMessage(ctx, "owner", sess.ID, strings.Repeat("x", DefaultMaxMessageLength+1), "")
	assert.True(t, shared.IsKind(err, shared.KindValidation))

	assert.Equal(t, 2000, DefaultMaxMessageLength)
	_, err = e.lifecycle.PostMessage(ctx, "owner", sess.ID, strings.Repeat("x", 2000), "")
	require.NoError(t, err)

	_, err = e.lifecycle.PostMessage(ctx, "intruder", sess.ID, "hi", "")
	assert.True(t, shared.IsKind(err, shared.KindNotFound))

	_, err = e.lifecycle.End(ctx, "owner", sess.ID)
	require.NoError(t, err)
	_, err = e.lifecycle.PostMessage(ctx, "owner", sess.ID, "hi", "")
	assert.True(t, shared.IsKind(err, shared.KindValidation))
}
