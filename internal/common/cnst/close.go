package cnst

import "errors"

// WebSocket close codes reserved by the gateway. Clients use them to tell
// "log in again" apart from "reconnect" and "back off".
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseInternalError = 1011

	CloseMissingToken      = 4001
	CloseInvalidToken      = 4002
	CloseUserNotFound      = 4003
	CloseReplaced          = 4004
	CloseReadyTimeout      = 4008
	CloseHeartbeatTimeout  = 4009
	CloseRateLimited       = 4029
	CloseProtocolViolation = 4400
)

// Close reasons sent alongside the codes above
const (
	ReasonMissingToken      = "no token provided"
	ReasonInvalidToken      = "invalid or expired token"
	ReasonUserNotFound      = "user not found"
	ReasonReplaced          = "replaced by a newer connection"
	ReasonReadyTimeout      = "client_ready not received in time"
	ReasonHeartbeatTimeout  = "heartbeat timeout"
	ReasonRateLimited       = "too many connection attempts"
	ReasonProtocolViolation = "too many malformed messages"
	ReasonShutdown          = "server shutting down"
	ReasonInternal          = "failed to load channels"
)

// CloseCodeForAuthError maps a handshake rejection onto its close code and reason
func CloseCodeForAuthError(err error) int {
	switch {
	case errors.Is(err, ErrMissingToken):
		return CloseMissingToken
	case errors.Is(err, ErrUserNotFound):
		return CloseUserNotFound
	default:
		return CloseInvalidToken
	}
}

// CloseReasonForAuthError returns the human readable reason matching CloseCodeForAuthError
func CloseReasonForAuthError(err error) string {
	switch CloseCodeForAuthError(err) {
	case CloseMissingToken:
		return ReasonMissingToken
	case CloseUserNotFound:
		return ReasonUserNotFound
	default:
		return ReasonInvalidToken
	}
}
