// Package apperr implements the error taxonomy: a small set of named
// kinds that both the HTTP API and the Worker Runtime switch on to decide
// status codes and retry/DLQ behavior.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the named error kinds.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindConfigNotFound    Kind = "ConfigNotFound"
	KindBrokerUnavailable Kind = "BrokerUnavailable"
	KindUpstreamTransient Kind = "UpstreamTransient"
	KindUpstreamConflict  Kind = "UpstreamConflict"
	KindUpstreamFatal     Kind = "UpstreamFatal"
	KindPayloadInvalid    Kind = "PayloadInvalid"
	KindMappingFailed     Kind = "MappingFailed"
	KindInternal          Kind = "Internal"
)

// HTTPFault carries the transport-level status/code/URL of an upstream HTTP
// call, when the Error's Kind was derived from a non-2xx response or a
// connection failure rather than a local validation/decode problem.
type HTTPFault struct {
	Status int
	Code   string
	URL    string
}

// Error wraps an underlying cause with a Kind so callers up the stack can
// make routing decisions without string-matching messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Fault   *HTTPFault
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithFault attaches upstream HTTP fault details to e and returns e, so it
// can be chained onto New/Wrap at the call site.
func (e *Error) WithFault(status int, code, url string) *Error {
	e.Fault = &HTTPFault{Status: status, Code: code, URL: url}
	return e
}

// FaultOf extracts the HTTPFault carried by err, if any.
func FaultOf(err error) *HTTPFault {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Fault
	}
	return nil
}

// KindOf extracts the Kind of err, defaulting to KindInternal for errors
// that were never classified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the status code the API exposes.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConfigNotFound:
		return http.StatusNotFound
	case KindPayloadInvalid, KindMappingFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the Worker Runtime should immediately requeue
// (true) or route straight to the DLQ (false) on this error, per the
// propagation policy.
func Retryable(kind Kind) bool {
	switch kind {
	case KindUpstreamTransient, KindBrokerUnavailable, KindInternal:
		return true
	case KindUpstreamFatal, KindPayloadInvalid, KindValidation, KindConfigNotFound, KindMappingFailed:
		return false
	default:
		return true
	}
}

// IsConflict reports whether err represents an UpstreamConflict (409,
// partial-success) rather than a genuine failure.
func IsConflict(err error) bool {
	return KindOf(err) == KindUpstreamConflict
}
