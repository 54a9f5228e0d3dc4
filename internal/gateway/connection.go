package gateway

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/amoylab/chatgate/internal/store"
	"github.com/amoylab/chatgate/pkg/metrics"
)

// State is the lifecycle state of a Connection
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one live transport session. Identity fields are written once
// at admission, before the connection becomes visible in the registry.
type Connection struct {
	id        string
	userID    string
	username  string
	transport Transport
	createdAt time.Time

	state    atomic.Int32
	lastSeen atomic.Int64

	// guarded by Registry.mu
	channels   map[string]struct{}
	readyTimer *time.Timer

	// channels loaded from the store at admission, sent with channels_loaded
	loaded []*store.Channel
}

func newConnection(t Transport) *Connection {
	c := &Connection{
		id:        uuid.New().String(),
		transport: t,
		createdAt: time.Now(),
		channels:  make(map[string]struct{}),
	}
	c.lastSeen.Store(c.createdAt.UnixNano())
	return c
}

func (c *Connection) ID() string         { return c.id }
func (c *Connection) UserID() string     { return c.userID }
func (c *Connection) Username() string   { return c.username }
func (c *Connection) RemoteAddr() string { return c.transport.RemoteAddr() }
func (c *Connection) State() State       { return State(c.state.Load()) }
func (c *Connection) Ready() bool        { return c.State() == StateReady }

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch(t time.Time) {
	c.lastSeen.Store(t.UnixNano())
}

// moveTo switches the state and keeps the per-state gauge in line
func (c *Connection) moveTo(to State, m *metrics.Metrics) State {
	from := State(c.state.Swap(int32(to)))
	if from != to {
		name := to.String()
		if to == StateClosed {
			name = ""
		}
		m.ConnState(from.String(), name)
	}
	return from
}
