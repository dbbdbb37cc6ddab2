package apperr

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable error type exposed on the wire.
type Kind string

const (
	KindInvalidURL       Kind = "invalid_url"
	KindAuthRequired     Kind = "auth_required"
	KindTimeout          Kind = "timeout"
	KindUnreachable      Kind = "unreachable"
	KindUnsupportedCodec Kind = "unsupported_codec"
	KindConnectionLimit  Kind = "connection_limit"
	KindRateLimited      Kind = "rate_limited"
	KindSessionNotFound  Kind = "session_not_found"
	KindSegmentNotFound  Kind = "segment_not_found"
	KindSpawn            Kind = "spawn_error"
	KindInternal         Kind = "internal_error"
)

// Error pairs a Kind with a human-readable message and optional details.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause preserved for errors.Is/As chains.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails returns e with the given details map attached.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the Kind from err, defaulting to KindInternal for
// errors that never passed through this package.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// IsRetryable reports whether a failed connect is worth retrying with
// backoff. Invalid input, rejected credentials and unsupported codecs
// need user correction, not another attempt.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUnreachable:
		return true
	default:
		return false
	}
}
