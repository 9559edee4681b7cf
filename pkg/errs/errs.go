// Package errs defines the client-side error kinds and the aggregate error
// used across the connection, retry, and consumer/producer layers. Broker
// protocol codes live in pkg/kerr; everything here is produced by the client
// itself.
package errs

import (
	"errors"
	"fmt"

	"github.com/grafana/kafkaclient/pkg/kerr"
)

// Kind classifies a client error.
type Kind string

const (
	KindAuthentication          Kind = "AUTHENTICATION"
	KindNetwork                 Kind = "NETWORK"
	KindProtocol                Kind = "PROTOCOL"
	KindResponse                Kind = "RESPONSE"
	KindTimeout                 Kind = "TIMEOUT"
	KindUnexpectedCorrelationID Kind = "UNEXPECTED_CORRELATION_ID"
	KindUnfinishedWriteBuffer   Kind = "UNFINISHED_WRITE_BUFFER"
	KindUnsupportedCompression  Kind = "UNSUPPORTED_COMPRESSION"
	KindUnsupported             Kind = "UNSUPPORTED"
	KindUser                    Kind = "USER"
	KindMultiple                Kind = "MULTIPLE"
)

// Error is a typed client error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Closed marks network errors raised because the connection or pool
	// was deliberately shut down rather than lost.
	Closed bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns a typed error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns a typed error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewNetwork returns a NETWORK error; closed distinguishes deliberate
// shutdown from a lost peer.
func NewNetwork(message string, cause error, closed bool) *Error {
	return &Error{Kind: KindNetwork, Message: message, Cause: cause, Closed: closed}
}

// Multiple aggregates several errors from one logical operation. It unwraps
// to all of them, so errors.Is and errors.As search the whole tree.
type Multiple struct {
	Message string
	Errs    []error

	// Kind is KindMultiple for engine aggregates and KindResponse for
	// per-partition errors collected out of a single framed response.
	Kind Kind
}

// NewMultiple aggregates errs under message.
func NewMultiple(message string, errs ...error) *Multiple {
	return &Multiple{Message: message, Errs: errs, Kind: KindMultiple}
}

// NewResponse aggregates per-topic/partition protocol errors found inside an
// otherwise well-framed response.
func NewResponse(message string, errs ...error) *Multiple {
	return &Multiple{Message: message, Errs: errs, Kind: KindResponse}
}

func (m *Multiple) Error() string {
	s := fmt.Sprintf("%s: %s (%d errors)", m.Kind, m.Message, len(m.Errs))
	for _, err := range m.Errs {
		s += "\n\t" + err.Error()
	}
	return s
}

func (m *Multiple) Unwrap() []error { return m.Errs }

// HasAny reports whether pred holds for err or any error reachable through
// Unwrap, including every branch of an aggregate.
func HasAny(err error, pred func(error) bool) bool {
	if err == nil {
		return false
	}
	if pred(err) {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() error }:
		return HasAny(x.Unwrap(), pred)
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if HasAny(e, pred) {
				return true
			}
		}
	}
	return false
}

// KindOf returns the kind of the outermost typed error in err's tree, mapping
// broker protocol codes to KindProtocol.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var m *Multiple
	if errors.As(err, &m) {
		return m.Kind
	}
	var ke *kerr.Error
	if errors.As(err, &ke) {
		return KindProtocol
	}
	return ""
}

// IsRetriable reports whether the retry engine may repeat the operation:
// network errors always qualify, protocol errors when the broker marks the
// code retriable.
func IsRetriable(err error) bool {
	if HasAnyKind(err, KindNetwork) {
		return true
	}
	return HasAny(err, kerr.IsRetriable)
}

// HasStaleMetadata reports whether any error in the tree invalidates the
// metadata cache.
func HasStaleMetadata(err error) bool {
	return HasAny(err, kerr.HasStaleMetadata)
}

// HasAnyKind reports whether any error in the tree carries the given kind.
func HasAnyKind(err error, kind Kind) bool {
	return HasAny(err, func(e error) bool {
		if x, ok := e.(*Error); ok {
			return x.Kind == kind
		}
		if m, ok := e.(*Multiple); ok {
			return m.Kind == kind
		}
		return false
	})
}

// IsClosed reports whether the tree contains a network error raised by a
// deliberate close.
func IsClosed(err error) bool {
	return HasAny(err, func(e error) bool {
		x, ok := e.(*Error)
		return ok && x.Kind == KindNetwork && x.Closed
	})
}
