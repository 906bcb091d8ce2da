package nlp

import (
	"errors"
	"fmt"
)

// Kind classifies client failures so callers can branch without string
// matching. The server-supplied detail text is always carried verbatim.
type Kind int

const (
	// KindInvalidArgument marks malformed caller input: empty model id,
	// bad host/port, unsupported parameter names, contradictory TLS flags.
	KindInvalidArgument Kind = iota + 1
	// KindNotFound marks a referenced certificate file that does not exist.
	KindNotFound
	// KindSchemaMismatch marks a remote schema lacking an expected
	// message or service type. Fatal at construction time.
	KindSchemaMismatch
	// KindConnectionFailed marks an unreachable server, a failed TLS
	// handshake or an exceeded deadline.
	KindConnectionFailed
	// KindRuntimeFailure marks a request the server accepted but failed,
	// including malformed response bodies and in-stream error events.
	KindRuntimeFailure
	// KindMalformedStream marks a streaming body that never parsed as the
	// expected framing, even at end of stream.
	KindMalformedStream
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindNotFound:
		return "not found"
	case KindSchemaMismatch:
		return "schema mismatch"
	case KindConnectionFailed:
		return "connection failed"
	case KindRuntimeFailure:
		return "runtime failure"
	case KindMalformedStream:
		return "malformed stream"
	default:
		return "unknown"
	}
}

// Error is the single error type surfaced by both transports.
type Error struct {
	Kind   Kind
	Detail string
	// Status holds the HTTP status code or numeric error code from an
	// in-stream error event, when one applies.
	Status int
	cause  error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Errf builds an *Error with a formatted detail string.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapErr builds an *Error that preserves the underlying cause for
// errors.Is/As inspection while carrying detail verbatim.
func WrapErr(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// StatusErr builds an *Error carrying a status code.
func StatusErr(kind Kind, status int, detail string) *Error {
	return &Error{Kind: kind, Status: status, Detail: detail}
}

// KindOf reports the Kind of err, or 0 when err is not a client error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsInvalidArgument(err error) bool  { return KindOf(err) == KindInvalidArgument }
func IsNotFound(err error) bool         { return KindOf(err) == KindNotFound }
func IsSchemaMismatch(err error) bool   { return KindOf(err) == KindSchemaMismatch }
func IsConnectionFailed(err error) bool { return KindOf(err) == KindConnectionFailed }
func IsRuntimeFailure(err error) bool   { return KindOf(err) == KindRuntimeFailure }
func IsMalformedStream(err error) bool  { return KindOf(err) == KindMalformedStream }

// ErrEmptyModelID is the uniform first-line validation failure for every
// operation that routes to a model.
func ErrEmptyModelID() *Error {
	return Errf(KindInvalidArgument, "request must have a model id")
}
