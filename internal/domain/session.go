// Package domain contains core domain types for the debate gym.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionDeleted   SessionStatus = "deleted"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionDeleted:
		return true
	}
	return false
}

// SessionKind distinguishes the conversation modes a user can be in.
// At most one active session per (owner, kind) is expected.
type SessionKind string

const (
	KindDebate SessionKind = "debate"
	KindTroll  SessionKind = "troll"
)

// Valid reports whether k is a known kind.
func (k SessionKind) Valid() bool {
	return k == KindDebate || k == KindTroll
}

// Session is one ongoing conversation between a user and an AI persona.
type Session struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"owner_id"`
	Kind      SessionKind   `json:"kind"`
	Status    SessionStatus `json:"status"`
	Topic     string        `json:"topic,omitempty"`
	PersonaID string        `json:"persona_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// IsActive returns true if the session still accepts messages.
func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// OwnedBy returns true if ownerID is the session's human participant.
func (s *Session) OwnedBy(ownerID string) bool {
	return ownerID != "" && s.OwnerID == ownerID
}

// IdleFor returns how long the session has gone without an update.
func (s *Session) IdleFor(now time.Time) time.Duration {
	d := now.Sub(s.UpdatedAt)
	if d < 0 {
		return 0
	}
	return d
}
