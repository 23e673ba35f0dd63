package store

import (
	"context"
	"os"
	"testing"

	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresReplyUniqueness(t *testing.T) {
	dsn := os.Getenv("DEBATEGYM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DEBATEGYM_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgres(dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	sess := &domain.Session{OwnerID: "pg-owner", Kind: domain.KindDebate}
	require.NoError(t, s.CreateSession(ctx, sess))
	t.Cleanup(func() { _, _ = s.DeleteSession(ctx, sess.ID, "pg-owner") })

	user, err := s.InsertMessage(ctx, domain.NewMessage{SessionID: sess.ID, SenderRole: domain.RoleUser, Content: "claim"})
	require.NoError(t, err)

	reply := domain.NewMessage{SessionID: sess.ID, SenderRole: domain.RoleAI, Content: "rebuttal",
		Metadata: map[string]any{domain.MetaRespondingTo: user.ID}}
	_, err = s.InsertMessage(ctx, reply)
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, reply)
	assert.ErrorIs(t, err, shared.ErrConflict)

	msgs, err := s.ListMessages(ctx, MessageQuery{SessionID: sess.ID, Order: Descending, Limit: 1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, user.ID, msgs[0].RespondingTo())
}

func TestPostgresMessagesFollowTheirSession(t *testing.T) {
	dsn := os.Getenv("DEBATEGYM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DEBATEGYM_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgres(dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.InsertMessage(ctx, domain.NewMessage{SessionID: "no-such-session", SenderRole: domain.RoleAI, Content: "orphan"})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	sess := &domain.Session{OwnerID: "pg-owner", Kind: domain.KindTroll}
	require.NoError(t, s.CreateSession(ctx, sess))
	_, err = s.InsertMessage(ctx, domain.NewMessage{SessionID: sess.ID, SenderRole: domain.RoleAI, Content: "opener"})
	require.NoError(t, err)

	// Removing the session row alone still takes its messages with it.
	require.NoError(t, s.db.WithContext(ctx).Where("id = ?", sess.ID).Delete(&sessionRow{}).Error)
	var left int64
	require.NoError(t, s.db.WithContext(ctx).Model(&messageRow{}).Where("session_id = ?", sess.ID).Count(&left).Error)
	assert.Zero(t, left)
}
