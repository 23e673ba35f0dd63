// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and for the HTTP surface.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindNotFound    Kind = "not_found"
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindConflict    Kind = "conflict"
	KindServer      Kind = "server_error"
)

var (
	// ErrNotFound is returned when a session or message does not exist or is not visible to the caller.
	ErrNotFound = &Error{Kind: KindNotFound, Msg: "not found"}
	// ErrConflict is returned when a uniqueness constraint rejects a write.
	ErrConflict = &Error{Kind: KindConflict, Msg: "conflict"}
)

// Error carries a Kind alongside an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind so callers can compare against the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// E builds an *Error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted message and no cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Kinded is implemented by errors that know their own Kind.
type Kinded interface {
	ErrorKind() Kind
}

// ErrorKind implements Kinded.
func (e *Error) ErrorKind() Kind { return e.Kind }

// KindOf returns the Kind of err. Unclassified errors are server errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindServer
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller may safely retry the failed operation.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindServer, KindRateLimited:
		return true
	}
	return false
}
