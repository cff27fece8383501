// Package apperr defines the error taxonomy shared by the gateway.
//
// Every failure that crosses a package boundary is an *Error carrying a Kind.
// Callers branch on the kind with errors.Is against the exported sentinels:
//
//	if errors.Is(err, apperr.ErrNotFound) { ... }
//
// A policy deny is never an error. It is a successful decision with allow=false.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: the request is malformed and nothing was written.
	KindValidation
	// KindNotFound: an application, environment, evaluation or audit id did not resolve.
	KindNotFound
	// KindEngineTransport: the policy engine was unreachable, answered outside its
	// contract, or the call was cancelled. Nothing was written.
	KindEngineTransport
	// KindPersistence: a write or read against storage failed.
	KindPersistence
	// KindNotification: notification delivery failed. Always logged, never propagated.
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindEngineTransport:
		return "engine_transport"
	case KindPersistence:
		return "persistence"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Error is the concrete error type.
//
// Message is safe to show to callers. Err holds the wrapped cause and may carry
// internal detail (driver messages, engine payload fragments), so it is only
// reachable through Unwrap and never rendered by the API layer.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Sentinels for errors.Is matching. They compare by Kind only.
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrEngineTransport = &Error{Kind: KindEngineTransport}
	ErrPersistence     = &Error{Kind: KindPersistence}
	ErrNotification    = &Error{Kind: KindNotification}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality against a sentinel (an *Error with no message and no cause).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" && t.Err == nil && t.Op == "" {
		return e.Kind == t.Kind
	}
	return e == t
}

// E builds an *Error.
func E(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Validation returns a KindValidation error with a formatted message.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a KindNotFound error with a formatted message.
func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Persistence wraps a storage failure.
func Persistence(op, message string, err error) *Error {
	return &Error{Kind: KindPersistence, Op: op, Message: message, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// PublicMessage returns the caller-safe message for err. Errors outside the
// taxonomy collapse to a generic message.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "an unexpected error occurred"
}
