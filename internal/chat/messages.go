package chat

import (
	"context"
	"log/slog"

	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/pubsub"
	"github.com/ashureev/debategym/internal/store"
)

// Recorder receives every persisted message, e.g. for a transcript log.
type Recorder interface {
	Record(msg *domain.Message)
}

// appender persists a message and then fans it out. Publishing and
// recording are best effort; the insert result is authoritative.
type appender struct {
	messages store.MessageStore
	sessions store.SessionStore
	bus      pubsub.Bus
	recorder Recorder
	log      *slog.Logger
}

func (a *appender) append(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	msg, err := a.messages.InsertMessage(ctx, in)
	if err != nil {
		return nil, err
	}

	// The row exists; a cancelled caller must not suppress the broadcast.
	bg := context.WithoutCancel(ctx)
	if a.bus != nil {
		if err := a.bus.Publish(bg, msg.SessionID, msg); err != nil {
			a.log.Warn("Failed to publish message",
				"error", err,
				"session_id", msg.SessionID,
				"message_id", msg.ID)
		}
	}
	if a.recorder != nil {
		a.recorder.Record(msg)
	}
	if err := a.sessions.TouchSession(bg, msg.SessionID, msg.CreatedAt); err != nil {
		a.log.Warn("Failed to touch session",
			"error", err,
			"session_id", msg.SessionID)
	}
	return msg, nil
}
