// Package chat implements the session engine: history windows, AI turn
// coordination, and session lifecycle.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/shared"
	"github.com/ashureev/debategym/internal/store"
)

const (
	// DefaultPageSize is used when a caller asks for a non-positive limit.
	DefaultPageSize = 20
	// MaxPageSize caps a single window.
	MaxPageSize = 100
)

// ErrFetchFailed wraps any store failure while loading a window.
var ErrFetchFailed = errors.New("fetch failed")

// Paginator loads bounded windows of a session's history.
type Paginator struct {
	messages store.MessageStore
}

// NewPaginator creates a paginator over messages.
func NewPaginator(messages store.MessageStore) *Paginator {
	return &Paginator{messages: messages}
}

// LoadWindow returns up to limit messages strictly older than anchor, or the
// newest limit messages when anchor is nil, in ascending (created_at, id) order.
// NextAnchor points at the oldest returned message. On error no window is returned.
func (p *Paginator) LoadWindow(ctx context.Context, sessionID string, anchor *domain.Cursor, limit int) (domain.Window, error) {
	if sessionID == "" {
		return domain.Window{}, shared.Errorf(shared.KindValidation, "session id is required")
	}
	limit = clampLimit(limit)

	q := store.MessageQuery{
		SessionID: sessionID,
		Limit:     limit + 1,
		Order:     store.Descending,
	}
	if anchor != nil && !anchor.IsZero() {
		a := *anchor
		q.Before = &a
	}

	rows, err := p.messages.ListMessages(ctx, q)
	if err != nil {
		kind := shared.KindServer
		if shared.KindOf(err) == shared.KindTimeout {
			kind = shared.KindTimeout
		}
		return domain.Window{}, shared.E(kind, "load window", fmt.Errorf("%w: %w", ErrFetchFailed, err))
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	out := make([]*domain.Message, len(rows))
	for i, m := range rows {
		out[len(rows)-1-i] = m
	}
	out = normalize(out)

	w := domain.Window{Messages: out, HasMore: hasMore}
	if len(out) > 0 {
		c := out[0].Cursor()
		w.NextAnchor = &c
	}
	return w, nil
}

// normalize sorts by (created_at, id) and drops repeated ids.
func normalize(msgs []*domain.Message) []*domain.Message {
	slices.SortStableFunc(msgs, func(a, b *domain.Message) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
	return slices.CompactFunc(msgs, func(a, b *domain.Message) bool {
		return a.ID == b.ID
	})
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
