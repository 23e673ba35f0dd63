package chat

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/debategym/internal/completion"
	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/persona"
	"github.com/ashureev/debategym/internal/pubsub"
	"github.com/ashureev/debategym/internal/shared"
	"github.com/ashureev/debategym/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// stubProvider returns text, or err, counting calls. When barrier is set
// every call waits until all expected callers have arrived.
type stubProvider struct {
	mu      sync.Mutex
	calls   int
	text    string
	err     error
	barrier *sync.WaitGroup
	lastReq completion.Request
}

func (p *stubProvider) Generate(_ context.Context, req completion.Request) (completion.Completion, error) {
	p.mu.Lock()
	p.calls++
	p.lastReq = req
	p.mu.Unlock()
	if p.barrier != nil {
		p.barrier.Done()
		p.barrier.Wait()
	}
	if p.err != nil {
		return completion.Completion{}, p.err
	}
	return completion.Completion{Text: p.text, Model: "stub"}, nil
}

func (p *stubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type testEnv struct {
	clock     *fakeClock
	repo      store.Repository
	bus       *pubsub.MemoryBus
	personas  *persona.Catalog
	provider  *stubProvider
	lifecycle *Lifecycle
	coord     *Coordinator
	paginator *Paginator
}

func newSQLiteEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newFakeClock()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return newEnv(t, clock, repo)
}

func newMemEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newFakeClock()
	return newEnv(t, clock, newMemStore(clock.Now))
}

func newEnv(t *testing.T, clock *fakeClock, repo store.Repository) *testEnv {
	t.Helper()
	personas, err := persona.Load("")
	require.NoError(t, err)

	bus := pubsub.NewMemoryBus(64, quietLogger())
	t.Cleanup(func() { _ = bus.Close() })

	provider := &stubProvider{text: "Counterpoint."}
	providers := map[domain.SessionKind]completion.Provider{
		domain.KindDebate: provider,
		domain.KindTroll:  completion.WithFallback(provider, personas.FallbackLines, quietLogger()),
	}

	return &testEnv{
		clock:    clock,
		repo:     repo,
		bus:      bus,
		personas: personas,
		provider: provider,
		lifecycle: NewLifecycle(LifecycleDeps{
			Sessions: repo, Messages: repo, Bus: bus, Personas: personas,
		}, 0, quietLogger()),
		coord: NewCoordinator(CoordinatorDeps{
			Messages: repo, Sessions: repo, Bus: bus, Personas: personas, Providers: providers,
		}, quietLogger(), WithNow(clock.Now)),
		paginator: NewPaginator(repo),
	}
}

// bareSession creates an active session with no seed message.
func (e *testEnv) bareSession(t *testing.T, owner string, kind domain.SessionKind) *domain.Session {
	t.Helper()
	sess := &domain.Session{OwnerID: owner, Kind: kind, Status: domain.SessionActive}
	require.NoError(t, e.repo.CreateSession(context.Background(), sess))
	return sess
}

func (e *testEnv) insert(t *testing.T, sessionID string, role domain.SenderRole, content string) *domain.Message {
	t.Helper()
	m, err := e.repo.InsertMessage(context.Background(), domain.NewMessage{
		SessionID: sessionID, SenderRole: role, Content: content,
	})
	require.NoError(t, err)
	return m
}

// memStore is an in-memory Repository without the one-reply-per-message
// constraint.
type memStore struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]*domain.Session
	messages []*domain.Message
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{now: now, sessions: map[string]*domain.Session{}}
}

func (s *memStore) InsertMessage(_ context.Context, in domain.NewMessage) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[in.SessionID]; !ok {
		return nil, shared.ErrNotFound
	}
	msg := &domain.Message{
		ID:         uuid.Must(uuid.NewV7()).String(),
		SessionID:  in.SessionID,
		SenderRole: in.SenderRole,
		SenderID:   in.SenderID,
		Content:    in.Content,
		Metadata:   in.Metadata,
		CreatedAt:  s.now().UTC(),
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *memStore) ListMessages(_ context.Context, q store.MessageQuery) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.messages {
		if m.SessionID != q.SessionID {
			continue
		}
		if q.Before != nil {
			if q.Before.ID == "" && !m.CreatedAt.Before(q.Before.CreatedAt) {
				continue
			}
			if q.Before.ID != "" && !m.Cursor().Less(*q.Before) {
				continue
			}
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *domain.Message) int {
		if a.Before(b) {
			return -1
		}
		if b.Before(a) {
			return 1
		}
		return 0
	})
	if q.Order == store.Descending {
		slices.Reverse(out)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memStore) CreateSession(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = domain.SessionActive
	}
	now := s.now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) ListActiveSessions(_ context.Context, ownerID string, kind domain.SessionKind) ([]*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Session
	for _, sess := range s.sessions {
		if sess.OwnerID == ownerID && sess.Kind == kind && sess.IsActive() {
			cp := *sess
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Session) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return out, nil
}

func (s *memStore) UpdateSessionStatus(_ context.Context, id string, from, to domain.SessionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != from {
		return false, nil
	}
	sess.Status = to
	return true, nil
}

func (s *memStore) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && at.After(sess.UpdatedAt) {
		sess.UpdatedAt = at
	}
	return nil
}

func (s *memStore) DeleteSession(_ context.Context, id, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.OwnerID != ownerID {
		return 0, nil
	}
	delete(s.sessions, id)
	s.messages = slices.DeleteFunc(s.messages, func(m *domain.Message) bool { return m.SessionID == id })
	return 1, nil
}

func (s *memStore) ListIdleSessions(_ context.Context, before time.Time, limit int) ([]*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Session
	for _, sess := range s.sessions {
		if sess.IsActive() && sess.UpdatedAt.Before(before) {
			cp := *sess
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }
