// Package live merges optimistic local messages with events from a session's
// realtime channel into one ordered, de-duplicated sequence.
package live

import (
	"slices"
	"sync"
	"time"

	"github.com/ashureev/debategym/internal/domain"
	"github.com/google/uuid"
)

// DefaultGrace is how long an unconfirmed optimistic message may be matched
// by sender and content alone.
const DefaultGrace = 10 * time.Second

// State is the lifecycle of one timeline entry.
type State string

const (
	// StatePending is an optimistic message not yet seen from the server.
	StatePending State = "pending"
	// StateConfirmed carries the server's copy of the message.
	StateConfirmed State = "confirmed"
	// StateSuperseded is an optimistic message abandoned by its sender. It is hidden.
	StateSuperseded State = "superseded"
)

// Outcome reports what ApplyRemoteEvent did.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Entry is one row of the timeline.
type Entry struct {
	State State
	// TempID is the client id of an optimistic entry; empty for remote-only rows.
	TempID  string
	Message domain.Message
	localAt time.Time
}

func (e *Entry) key() domain.Cursor {
	return e.Message.Cursor()
}

// Timeline is safe for concurrent use.
type Timeline struct {
	mu         sync.Mutex
	sessionID  string
	entries    []*Entry
	byServerID map[string]*Entry
	byTempID   map[string]*Entry
	grace      time.Duration
	now        func() time.Time

	awaitingAI bool
	// awaitFrom is the user entry the current wait started at. Only an AI
	// reply after it ends the wait.
	awaitFrom *Entry
	onCleared  func(domain.Message)
	changes    chan struct{}
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithGrace overrides DefaultGrace.
func WithGrace(d time.Duration) Option {
	return func(t *Timeline) { t.grace = d }
}

// WithClock injects the clock used to stamp optimistic entries.
func WithClock(now func() time.Time) Option {
	return func(t *Timeline) { t.now = now }
}

// WithAwaitCleared registers fn to run once each time an AI reply ends a wait.
func WithAwaitCleared(fn func(domain.Message)) Option {
	return func(t *Timeline) { t.onCleared = fn }
}

// New creates an empty timeline for sessionID.
func New(sessionID string, opts ...Option) *Timeline {
	t := &Timeline{
		sessionID:  sessionID,
		byServerID: map[string]*Entry{},
		byTempID:   map[string]*Entry{},
		grace:      DefaultGrace,
		now:        time.Now,
		changes:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Changes signals after every visible change. Signals coalesce.
func (t *Timeline) Changes() <-chan struct{} {
	return t.changes
}

func (t *Timeline) notify() {
	select {
	case t.changes <- struct{}{}:
	default:
	}
}

// ApplyLocalOptimistic appends a user message before the server has seen it
// and marks the timeline as awaiting an AI reply. The returned entry's TempID
// should be sent as the message's client id.
func (t *Timeline) ApplyLocalOptimistic(senderID, content string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	tempID := "tmp-" + uuid.NewString()
	sender := senderID
	e := &Entry{
		State:  StatePending,
		TempID: tempID,
		Message: domain.Message{
			ID:         tempID,
			SessionID:  t.sessionID,
			SenderRole: domain.RoleUser,
			SenderID:   &sender,
			Content:    content,
			Metadata:   map[string]any{domain.MetaClientID: tempID},
			CreatedAt:  now,
		},
		localAt: now,
	}
	t.byTempID[tempID] = e
	t.insertSorted(e)
	t.awaitingAI = true
	t.awaitFrom = e
	t.notify()
	return *e
}

// ApplyRemoteEvent merges a server row. Applying the same row again is a no-op.
func (t *Timeline) ApplyRemoteEvent(msg *domain.Message) Outcome {
	if msg == nil || msg.ID == "" || msg.SessionID != t.sessionID {
		return OutcomeIgnored
	}

	t.mu.Lock()
	if _, ok := t.byServerID[msg.ID]; ok {
		t.mu.Unlock()
		return OutcomeDuplicate
	}

	outcome := OutcomeInserted
	if e := t.matchPending(msg); e != nil {
		t.confirm(e, msg)
		outcome = OutcomeConfirmed
	} else {
		e := &Entry{State: StateConfirmed, Message: *msg}
		t.byServerID[msg.ID] = e
		t.insertSorted(e)
	}

	cleared := false
	if msg.SenderRole == domain.RoleAI && t.awaitingAI && t.answersWait(msg) {
		t.awaitingAI = false
		t.awaitFrom = nil
		cleared = true
	}
	t.notify()
	onCleared := t.onCleared
	t.mu.Unlock()

	if cleared && onCleared != nil {
		onCleared(*msg)
	}
	return outcome
}

// Confirm attaches the server row returned for an optimistic send.
func (t *Timeline) Confirm(tempID string, msg *domain.Message) Outcome {
	if msg == nil || msg.ID == "" {
		return OutcomeIgnored
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byServerID[msg.ID]; ok {
		return OutcomeDuplicate
	}
	e, ok := t.byTempID[tempID]
	if !ok {
		return OutcomeIgnored
	}
	if e.State == StateConfirmed {
		return OutcomeDuplicate
	}
	t.confirm(e, msg)
	t.notify()
	return OutcomeConfirmed
}

// Supersede hides an optimistic entry whose send failed. A late server echo
// still confirms it.
func (t *Timeline) Supersede(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byTempID[tempID]
	if !ok || e.State != StatePending {
		return
	}
	e.State = StateSuperseded
	if t.awaitingAI && t.awaitFrom == e {
		t.awaitFrom = t.lastVisibleUser()
		t.awaitingAI = t.awaitFrom != nil
	}
	t.notify()
}

// Load merges a page of history, e.g. from a window fetch.
func (t *Timeline) Load(msgs []*domain.Message) {
	for _, m := range msgs {
		t.ApplyRemoteEvent(m)
	}
}

// AwaitingAI reports whether the user is waiting for an AI reply.
func (t *Timeline) AwaitingAI() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.awaitingAI
}

// Visible returns the non-superseded messages in (created_at, id) order.
func (t *Timeline) Visible() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.State != StateSuperseded {
			out = append(out, *e)
		}
	}
	return out
}

// Oldest returns the cursor of the earliest confirmed message, for loading
// older history.
func (t *Timeline) Oldest() *domain.Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.State == StateConfirmed {
			c := e.key()
			return &c
		}
	}
	return nil
}

// matchPending finds the optimistic entry msg confirms: by echoed client id
// first, then by sender and content within the grace window.
func (t *Timeline) matchPending(msg *domain.Message) *Entry {
	if id := msg.ClientID(); id != "" {
		if e, ok := t.byTempID[id]; ok && e.State != StateConfirmed {
			return e
		}
	}
	if msg.SenderRole != domain.RoleUser {
		return nil
	}
	now := t.now()
	for _, e := range t.entries {
		if e.State != StatePending || e.Message.Content != msg.Content {
			continue
		}
		if !sameSender(e.Message.SenderID, msg.SenderID) {
			continue
		}
		if now.Sub(e.localAt) <= t.grace {
			return e
		}
	}
	return nil
}

func sameSender(a, b *string) bool {
	if a == nil || b == nil {
		return true
	}
	return *a == *b
}

// confirm replaces e's optimistic content with msg in place. The entry only
// moves when the server's timestamp would break the ordering.
func (t *Timeline) confirm(e *Entry, msg *domain.Message) {
	e.State = StateConfirmed
	e.Message = *msg
	t.byServerID[msg.ID] = e

	i := slices.Index(t.entries, e)
	if i < 0 {
		t.insertSorted(e)
		return
	}
	inOrder := (i == 0 || t.entries[i-1].key().Less(e.key())) &&
		(i == len(t.entries)-1 || e.key().Less(t.entries[i+1].key()))
	if !inOrder {
		t.entries = slices.Delete(t.entries, i, i+1)
		t.insertSorted(e)
	}
}

// answersWait reports whether an AI message ends the current wait: it either
// names the awaited message as its target or sorts after it.
func (t *Timeline) answersWait(msg *domain.Message) bool {
	if t.awaitFrom == nil {
		return true
	}
	if to := msg.RespondingTo(); to != "" && to == t.awaitFrom.Message.ID {
		return true
	}
	return t.awaitFrom.key().Less(msg.Cursor())
}

// lastVisibleUser returns the newest visible entry when it is a user message.
func (t *Timeline) lastVisibleUser() *Entry {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if e := t.entries[i]; e.State != StateSuperseded {
			if e.Message.SenderRole == domain.RoleUser {
				return e
			}
			return nil
		}
	}
	return nil
}

func (t *Timeline) insertSorted(e *Entry) {
	i, _ := slices.BinarySearchFunc(t.entries, e.key(), func(have *Entry, want domain.Cursor) int {
		k := have.key()
		switch {
		case k.Less(want):
			return -1
		case want.Less(k):
			return 1
		}
		return 0
	})
	t.entries = slices.Insert(t.entries, i, e)
}
