// Package completion abstracts the language-model call behind a Provider
// with explicit failure classes.
package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/shared"
)

// Turn is one history entry handed to the model.
type Turn struct {
	Role    domain.SenderRole `json:"role"`
	Content string            `json:"content"`
}

// Request is a prompt plus conversation history.
type Request struct {
	System      string
	History     []Turn
	MaxTokens   int
	Temperature float64
	// JSON asks the backend for a JSON object response.
	JSON bool
	// PersonaID lets fallback providers pick persona-specific lines.
	PersonaID string
}

// Completion is generated text.
type Completion struct {
	Text  string
	Model string
	// Fallback is set when Text came from static lines instead of a model.
	Fallback bool
}

// Provider generates a completion or fails with a *Failure.
type Provider interface {
	Generate(ctx context.Context, req Request) (Completion, error)
}

// Class is the failure taxonomy of a completion call.
type Class string

const (
	ClassTimeout     Class = "timeout"
	ClassRateLimited Class = "rate_limited"
	ClassServer      Class = "server_error"
	ClassEmpty       Class = "empty_response"
)

// Failure is returned by every Provider in this package.
type Failure struct {
	Class Class
	// Status is the upstream HTTP status, when there was one.
	Status int
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "completion " + string(f.Class)
	}
	return fmt.Sprintf("completion %s: %v", f.Class, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// ErrorKind maps the failure onto the shared error taxonomy.
func (f *Failure) ErrorKind() shared.Kind {
	switch f.Class {
	case ClassTimeout:
		return shared.KindTimeout
	case ClassRateLimited:
		return shared.KindRateLimited
	default:
		return shared.KindServer
	}
}

// Retryable reports whether the caller may retry with backoff.
// Only timeouts and server errors qualify; client-side 4xx rejections do not.
func (f *Failure) Retryable() bool {
	switch f.Class {
	case ClassTimeout:
		return true
	case ClassServer:
		return f.Status == 0 || f.Status >= 500
	}
	return false
}

var errEmpty = errors.New("model returned no text")

// Fail builds a *Failure.
func Fail(class Class, err error) *Failure {
	return &Failure{Class: class, Err: err}
}

// Classify converts any error into a *Failure.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Fail(ClassTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Fail(ClassTimeout, err)
	}
	return Fail(ClassServer, err)
}

// WithTimeout bounds every call to p by timeout. Deadline expiry becomes ClassTimeout.
func WithTimeout(p Provider, timeout time.Duration) Provider {
	return &timed{next: p, timeout: timeout}
}

type timed struct {
	next    Provider
	timeout time.Duration
}

func (t *timed) Generate(ctx context.Context, req Request) (Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.next.Generate(callCtx, req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return Completion{}, Fail(ClassTimeout, fmt.Errorf("no response within %s: %w", t.timeout, err))
		}
		return Completion{}, Classify(err)
	}
	if out.Text == "" {
		return Completion{}, Fail(ClassEmpty, errEmpty)
	}
	return out, nil
}

// Unavailable is a Provider that always fails; used when no backend is configured.
type Unavailable struct{}

// Generate implements Provider.
func (Unavailable) Generate(context.Context, Request) (Completion, error) {
	return Completion{}, Fail(ClassServer, errors.New("no completion backend configured"))
}
