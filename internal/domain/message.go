package domain

import (
	"time"
)

// SenderRole identifies who contributed a message.
type SenderRole string

const (
	RoleUser   SenderRole = "user"
	RoleAI     SenderRole = "ai"
	RoleSystem SenderRole = "system"
)

// Valid reports whether r is a known role.
func (r SenderRole) Valid() bool {
	switch r {
	case RoleUser, RoleAI, RoleSystem:
		return true
	}
	return false
}

// Reserved metadata keys.
const (
	// MetaRespondingTo holds the id of the user message an AI reply answers.
	MetaRespondingTo = "responding_to"
	// MetaClientID echoes the temporary id a client assigned before confirmation.
	MetaClientID = "client_id"
	// MetaFallback marks an AI reply produced from static fallback lines.
	MetaFallback = "fallback"
)

// Message is a single append-only entry in a session's log.
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	SenderRole SenderRole     `json:"sender_role"`
	SenderID   *string        `json:"sender_id,omitempty"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewMessage is an insert request. The store assigns ID and CreatedAt.
type NewMessage struct {
	SessionID  string
	SenderRole SenderRole
	SenderID   *string
	Content    string
	Metadata   map[string]any
}

// RespondingTo returns the idempotency tag of an AI reply, or "".
func (m *Message) RespondingTo() string {
	return MetaString(m.Metadata, MetaRespondingTo)
}

// ClientID returns the client-generated temporary id echoed in metadata, or "".
func (m *Message) ClientID() string {
	return MetaString(m.Metadata, MetaClientID)
}

// Cursor returns the position of m in the session's total order.
func (m *Message) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Before reports whether m sorts strictly before o under (created_at, id).
func (m *Message) Before(o *Message) bool {
	return m.Cursor().Less(o.Cursor())
}

// MetaString reads a string value from a metadata map.
func MetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

// Cursor is a position in a session's (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id,omitempty"`
}

// IsZero returns true if the cursor carries no position.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// Less orders cursors by created_at, then id.
func (c Cursor) Less(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.ID < o.ID
}
