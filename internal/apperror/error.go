// Package apperror defines the single error shape every component in this
// module returns, so transport layers (WS, HTTP, AMQP) can map one thing to
// their own status codes instead of each inventing its own error taxonomy.
package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way callers across transports need to react to it.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindNotFound
	KindBadRequest
	KindConflict
	KindPreconditionFailed
	KindPayloadTooLarge
	KindTimeout
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "AuthError"
	case KindNotFound:
		return "NotFound"
	case KindBadRequest:
		return "BadRequest"
	case KindConflict:
		return "Conflict"
	case KindPreconditionFailed:
		return "PreconditionFailed"
	case KindPayloadTooLarge:
		return "PayloadTooLarge"
	case KindTimeout:
		return "Timeout"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every exported method in this module.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Cause: cause}
}

func AuthError(msg string) *Error              { return new_(KindAuth, msg, nil) }
func NotFound(msg string) *Error               { return new_(KindNotFound, msg, nil) }
func BadRequest(msg string) *Error             { return new_(KindBadRequest, msg, nil) }
func Conflict(msg string) *Error               { return new_(KindConflict, msg, nil) }
func PreconditionFailed(msg string) *Error     { return new_(KindPreconditionFailed, msg, nil) }
func PayloadTooLarge(msg string) *Error        { return new_(KindPayloadTooLarge, msg, nil) }
func Timeout(msg string) *Error                { return new_(KindTimeout, msg, nil) }
func Internal(msg string, cause error) *Error  { return new_(KindInternal, msg, cause) }

// Wrap classifies an opaque infrastructure error as Internal unless it is
// already an *Error, in which case it passes through unchanged.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err.Error(), err)
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}
