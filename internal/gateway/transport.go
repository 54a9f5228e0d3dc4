package gateway

// Transport is the socket side of a Connection. Implementations are safe for
// concurrent use and Send never blocks, so the registry may send while
// holding its lock.
type Transport interface {
	// Send queues one frame. It fails with cnst.ErrConnectionClosed after
	// Close and with cnst.ErrTransportFailure when the queue is full.
	Send(frame []byte) error
	// Ping starts a heartbeat round. Alive reports false until the peer answers.
	Ping() error
	Alive() bool
	// Close sends a close frame with code and reason and releases the socket.
	// Calls after the first are no-ops.
	Close(code int, reason string)
	RemoteAddr() string
}
