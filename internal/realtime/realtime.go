// Package realtime streams a session's message.inserted events to browsers
// and terminal clients over websocket and server-sent events.
package realtime

import (
	"context"

	"github.com/ashureev/debategym/internal/domain"
)

// Authorizer resolves a session the caller owns.
type Authorizer interface {
	Authorize(ctx context.Context, ownerID, sessionID string) (*domain.Session, error)
}
