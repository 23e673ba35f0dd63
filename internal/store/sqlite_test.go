package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T, opts ...SQLiteOption) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, s SessionStore, owner string) *domain.Session {
	t.Helper()
	sess := &domain.Session{OwnerID: owner, Kind: domain.KindTroll}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestSQLiteInsertAndListOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newTestSQLite(t, WithClock(func() time.Time { return frozen }))
	sess := seedSession(t, s, "owner-1")

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := s.InsertMessage(ctx, domain.NewMessage{SessionID: sess.ID, SenderRole: domain.RoleUser, Content: "m"})
		require.NoError(t, err)
		assert.True(t, m.CreatedAt.Equal(frozen))
		ids = append(ids, m.ID)
	}

	asc, err := s.ListMessages(ctx, MessageQuery{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, asc, 5)
	for i := 1; i < len(asc); i++ {
		assert.True(t, asc[i-1].Before(asc[i]), "ascending order must follow (created_at, id)")
	}

	desc, err := s.ListMessages(ctx, MessageQuery{SessionID: sess.ID, Order: Descending, Limit: 2})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, asc[4].ID, desc[0].ID)
	assert.Equal(t, asc[3].ID, desc[1].ID)

	older, err := s.ListMessages(ctx, MessageQuery{SessionID: sess.ID, Order: Descending, Before: &domain.Cursor{CreatedAt: frozen, ID: asc[2].ID}})
	require.NoError(t, err)
	require.Len(t, older, 2, "identical timestamps must still be split by id")
	assert.Equal(t, asc[1].ID, older[0].ID)
}

func TestSQLiteReplyUniqueness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)
	sess := seedSession(t, s, "owner-1")

	user, err := s.InsertMessage(ctx, domain.NewMessage{SessionID: sess.ID, SenderRole: domain.RoleUser, Content: "Taxes are theft"})
	require.NoError(t, err)

	reply := domain.NewMessage{
		SessionID:  sess.ID,
		SenderRole: domain.RoleAI,
		Content:    "No.",
		Metadata:   map[string]any{domain.MetaRespondingTo: user.ID},
	}
	first, err := s.InsertMessage(ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, user.ID, first.RespondingTo())

	_, err = s.InsertMessage(ctx, reply)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrConflict)
}

func TestSQLiteConcurrentRepliesOnlyOneWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)
	sess := seedSession(t, s, "owner-1")
	user, err := s.InsertMessage(ctx, domain.NewMessage{SessionID: sess.ID, SenderRole: domain.RoleUser, Content: "hi"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.InsertMessage(ctx, domain.NewMessage{
				SessionID:  sess.ID,
				SenderRole: domain.RoleAI,
				Content:    "reply",
				Metadata:   map[string]any{domain.MetaRespondingTo: user.ID},
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSQLiteSessionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)
	sess := seedSession(t, s, "owner-1")

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, got.Status)

	active, err := s.ListActiveSessions(ctx, "owner-1", domain.KindTroll)
	require.NoError(t, err)
	require.Len(t, active, 1)

	changed, err := s.UpdateSessionStatus(ctx, sess.ID, domain.SessionActive, domain.SessionCompleted)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.UpdateSessionStatus(ctx, sess.ID, domain.SessionActive, domain.SessionCompleted)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.InsertMessage(ctx, domain.NewMessage{SessionID: sess.ID, SenderRole: domain.RoleUser, Content: "x"})
	require.NoError(t, err)

	n, err := s.DeleteSession(ctx, sess.ID, "someone-else")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteSession(ctx, sess.ID, "owner-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	msgs, err := s.ListMessages(ctx, MessageQuery{SessionID: sess.ID})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSQLiteTouchNeverMovesBackwards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)
	sess := seedSession(t, s, "owner-1")

	later := sess.UpdatedAt.Add(time.Hour)
	require.NoError(t, s.TouchSession(ctx, sess.ID, later))
	require.NoError(t, s.TouchSession(ctx, sess.ID, sess.UpdatedAt.Add(-time.Hour)))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(later))

	idle, err := s.ListIdleSessions(ctx, later.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	idle, err = s.ListIdleSessions(ctx, later, 10)
	require.NoError(t, err)
	assert.Empty(t, idle)
}
