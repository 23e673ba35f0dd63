// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/debategym/internal/domain"
)

// Order is the sort direction of a message query over (created_at, id).
type Order int

const (
	Ascending Order = iota
	Descending
)

// MessageQuery selects a slice of one session's log.
type MessageQuery struct {
	SessionID string
	// Before, when set, keeps only messages strictly older than the cursor.
	// An empty cursor ID compares on created_at alone.
	Before *domain.Cursor
	Limit  int
	Order  Order
}

// MessageStore is the append-only message log.
type MessageStore interface {
	// InsertMessage assigns id and created_at and persists the row.
	// A second AI reply tagged with the same responding_to id fails with shared.ErrConflict.
	InsertMessage(ctx context.Context, msg domain.NewMessage) (*domain.Message, error)

	// ListMessages returns rows ordered by (created_at, id) in q.Order.
	ListMessages(ctx context.Context, q MessageQuery) ([]*domain.Message, error)
}

// SessionStore holds mutable session records.
type SessionStore interface {
	// CreateSession assigns an id and timestamps when unset.
	CreateSession(ctx context.Context, s *domain.Session) error

	// GetSession returns shared.ErrNotFound when absent.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListActiveSessions returns the owner's active sessions of kind,
	// most recently updated first, ties broken by creation order.
	ListActiveSessions(ctx context.Context, ownerID string, kind domain.SessionKind) ([]*domain.Session, error)

	// UpdateSessionStatus moves a session from one status to another.
	// It reports false when the session was not in status from.
	UpdateSessionStatus(ctx context.Context, id string, from, to domain.SessionStatus) (bool, error)

	// TouchSession bumps updated_at, never moving it backwards.
	TouchSession(ctx context.Context, id string, at time.Time) error

	// DeleteSession removes an owner's session and its messages.
	// It returns the number of session rows removed.
	DeleteSession(ctx context.Context, id, ownerID string) (int64, error)

	// ListIdleSessions returns active sessions not updated since before.
	ListIdleSessions(ctx context.Context, before time.Time, limit int) ([]*domain.Session, error)
}

// Repository is the full persistence surface used by the server.
type Repository interface {
	MessageStore
	SessionStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
