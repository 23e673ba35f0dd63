package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ashureev/debategym/internal/domain"
)

var errBusClosed = errors.New("bus closed")

// MemoryBus is an in-process Bus. Only valid for single-process deployments.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]*Subscription
	nextID int64
	buffer int
	closed bool
	log    *slog.Logger
}

// NewMemoryBus creates an in-process bus with a per-subscriber buffer.
func NewMemoryBus(buffer int, log *slog.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBus{
		subs:   make(map[string]map[int64]*Subscription),
		buffer: buffer,
		log:    log,
	}
}

// Publish fans msg out to current subscribers of sessionID.
// A subscriber whose buffer is full misses the event; clients resync from the store.
func (b *MemoryBus) Publish(_ context.Context, sessionID string, msg *domain.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	ev := InsertedEvent(msg)
	for id, sub := range b.subs[sessionID] {
		select {
		case sub.events <- ev:
		default:
			b.log.Warn("Dropping event for slow subscriber", "session_id", sessionID, "subscriber", id)
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx ends or the subscription is closed.
func (b *MemoryBus) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}
	b.nextID++
	id := b.nextID

	var sub *Subscription
	sub = newSubscription(b.buffer, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[sessionID]; ok {
			if _, present := set[id]; present {
				delete(set, id)
				close(sub.events)
			}
			if len(set) == 0 {
				delete(b.subs, sessionID)
			}
		}
	})
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int64]*Subscription)
	}
	b.subs[sessionID][id] = sub

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Subscribers reports how many subscribers sessionID currently has.
func (b *MemoryBus) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// Close closes every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sessionID, set := range b.subs {
		for id, sub := range set {
			delete(set, id)
			close(sub.events)
		}
		delete(b.subs, sessionID)
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
