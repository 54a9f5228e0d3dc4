package cnst

import "errors"

var (
	// ErrAuthFailed is the root of every handshake rejection
	ErrAuthFailed = errors.New("authentication failed")
	// ErrMissingToken is returned when the handshake carries no bearer token
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned when the token is malformed, badly signed or expired
	ErrInvalidToken = errors.New("invalid token")
	// ErrUserNotFound is returned when the token subject does not resolve to a user
	ErrUserNotFound = errors.New("user not found")

	// ErrNotReady is returned when an operation is attempted before the ready handshake
	ErrNotReady = errors.New("connection not ready")
	// ErrValidationFailed is returned for oversized or malformed payloads
	ErrValidationFailed = errors.New("validation failed")
	// ErrRateLimited is returned when a user exceeded the allowance for a message kind
	ErrRateLimited = errors.New("rate limited")
	// ErrTransportFailure is returned when a send hits a dead or saturated socket
	ErrTransportFailure = errors.New("transport failure")
	// ErrInternal is returned when a collaborator fails while handling a valid request
	ErrInternal = errors.New("internal error")

	// ErrConnectionClosed is returned when operating on a connection already removed
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnknownMessageType is returned when an inbound envelope type has no handler
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrMissingMessageType is returned when an inbound envelope has no type
	ErrMissingMessageType = errors.New("missing message type")

	// ErrUnknownFeature is returned when a migration flag is not registered
	ErrUnknownFeature = errors.New("unknown feature")
	// ErrInvalidImplementation is returned for an implementation selector outside legacy/gateway/both
	ErrInvalidImplementation = errors.New("invalid implementation")

	// ErrNotFound is returned by stores when a record does not exist
	ErrNotFound = errors.New("record not found")
)
