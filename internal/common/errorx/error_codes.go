package errorx

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/amoylab/chatgate/internal/common/cnst"
)

// Kind is the client-visible category of a gateway error. It is the value of
// the "type" field of an outbound error envelope.
type Kind string

const (
	KindAuthFailed       Kind = "AuthFailed"
	KindNotReady         Kind = "NotReady"
	KindValidationFailed Kind = "ValidationFailed"
	KindRateLimited      Kind = "RateLimited"
	KindTransportFailure Kind = "TransportFailure"
	KindInternal         Kind = "Internal"
	KindNotFound         Kind = "NotFound"
)

// Error is a structured gateway error scoped to one request or envelope
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Details    map[string]any
	cause      error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the sentinel matching Kind, so errors.Is(err, cnst.ErrNotReady) holds
func (e *Error) Unwrap() []error {
	errs := []error{sentinel(e.Kind)}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// HTTPStatus maps the kind onto a status code for the admin API
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuthFailed:
		return http.StatusUnauthorized
	case KindNotReady:
		return http.StatusConflict
	case KindValidationFailed:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindTransportFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same request may succeed later without new input
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNotReady, KindRateLimited, KindTransportFailure, KindInternal:
		return true
	default:
		return false
	}
}

func sentinel(k Kind) error {
	switch k {
	case KindAuthFailed:
		return cnst.ErrAuthFailed
	case KindNotReady:
		return cnst.ErrNotReady
	case KindValidationFailed:
		return cnst.ErrValidationFailed
	case KindRateLimited:
		return cnst.ErrRateLimited
	case KindTransportFailure:
		return cnst.ErrTransportFailure
	case KindNotFound:
		return cnst.ErrNotFound
	default:
		return cnst.ErrInternal
	}
}

// NotReady rejects an operation attempted before the ready handshake
func NotReady(op string) *Error {
	return &Error{Kind: KindNotReady, Message: fmt.Sprintf("%s requires client_ready first", op)}
}

// Validation rejects a malformed or oversized payload
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidationFailed, Message: fmt.Sprintf(format, args...)}
}

// RateLimited rejects a request for kind until retryAfter has elapsed
func RateLimited(kind string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("too many %s requests", kind),
		RetryAfter: retryAfter,
	}
}

// Internal wraps a collaborator failure
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, cause: cause}
}

// NotFound reports a missing resource on the admin API
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// From converts any error into an *Error, classifying known sentinels
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, cnst.ErrAuthFailed), errors.Is(err, cnst.ErrMissingToken),
		errors.Is(err, cnst.ErrInvalidToken), errors.Is(err, cnst.ErrUserNotFound):
		return &Error{Kind: KindAuthFailed, Message: "authentication failed", cause: err}
	case errors.Is(err, cnst.ErrNotReady):
		return &Error{Kind: KindNotReady, Message: "connection not ready", cause: err}
	case errors.Is(err, cnst.ErrValidationFailed), errors.Is(err, cnst.ErrUnknownFeature),
		errors.Is(err, cnst.ErrInvalidImplementation):
		return &Error{Kind: KindValidationFailed, Message: err.Error()}
	case errors.Is(err, cnst.ErrRateLimited):
		return &Error{Kind: KindRateLimited, Message: "rate limited", cause: err}
	case errors.Is(err, cnst.ErrTransportFailure), errors.Is(err, cnst.ErrConnectionClosed):
		return &Error{Kind: KindTransportFailure, Message: "transport failure", cause: err}
	case errors.Is(err, cnst.ErrNotFound):
		return &Error{Kind: KindNotFound, Message: "not found", cause: err}
	default:
		return Internal("internal error", err)
	}
}
