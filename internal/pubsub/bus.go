// Package pubsub broadcasts "message inserted" events per session.
package pubsub

import (
	"context"
	"sync"

	"github.com/ashureev/debategym/internal/domain"
)

// EventMessageInserted is the only event type carried on a session channel.
const EventMessageInserted = "message.inserted"

// Event is delivered at least once to every subscriber of a session.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Message   *domain.Message `json:"message"`
}

// Bus publishes and subscribes to per-session channels.
type Bus interface {
	Publish(ctx context.Context, sessionID string, msg *domain.Message) error
	Subscribe(ctx context.Context, sessionID string) (*Subscription, error)
	Close() error
}

// Subscription delivers events until Close is called or its context ends.
type Subscription struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
	stop   func()
}

func newSubscription(buffer int, stop func()) *Subscription {
	return &Subscription{events: make(chan Event, buffer), done: make(chan struct{}), stop: stop}
}

// Events returns the delivery channel. It is closed after Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close stops delivery. Safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		close(s.done)
	})
	return nil
}

// InsertedEvent wraps msg as a message.inserted event.
func InsertedEvent(msg *domain.Message) Event {
	return Event{Type: EventMessageInserted, SessionID: msg.SessionID, Message: msg}
}
