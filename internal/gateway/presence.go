package gateway

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/events"
	"github.com/amoylab/chatgate/internal/gateway/protocol"
	"github.com/amoylab/chatgate/pkg/metrics"
)

// Presence derives user status from the registry. A user is online while it
// has at least one READY connection; an explicitly declared status (away,
// busy) overrides "online" until the user goes offline.
//
// Every transition is decided against the registry and announced while mu is
// held, so peers see online and offline in the order the registry changed.
// Lock order is mu before the registry lock.
type Presence struct {
	logger   *zap.Logger
	registry *Registry
	bus      events.Bus
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	online   map[string]bool
	declared map[string]string
	lastSeen map[string]time.Time
}

// UserPresence is the status of one user as seen by the admin API
type UserPresence struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitzero"`
}

func NewPresence(logger *zap.Logger, registry *Registry, bus events.Bus, m *metrics.Metrics) *Presence {
	return &Presence{
		logger:   logger.Named("presence"),
		registry: registry,
		bus:      bus,
		metrics:  m,
		now:      time.Now,
		online:   make(map[string]bool),
		declared: make(map[string]string),
		lastSeen: make(map[string]time.Time),
	}
}

// MarkReady moves c to READY. The frames returned by build, which receives the
// presence snapshot of every other online user, are queued right after
// ready_confirmed and before any fan-out. If the user just came online every
// other READY connection is told so.
func (p *Presence) MarkReady(c *Connection, build func(v ReadyView, users []protocol.PresenceEntry) [][]byte) (ReadyTransition, error) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	tr, err := p.registry.MarkReady(c, func(v ReadyView) [][]byte {
		return build(v, p.snapshotLocked(v.ReadyUsers(), c.UserID()))
	})
	if err != nil || tr.AlreadyReady {
		return tr, err
	}
	p.lastSeen[c.UserID()] = now
	p.syncLocked(c.UserID(), now)
	return tr, nil
}

// OnRemoved records the removal of c. The user is announced offline only if
// no READY connection is left by the time the decision is made.
func (p *Presence) OnRemoved(c *Connection) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastSeen[c.UserID()] = now
	p.syncLocked(c.UserID(), now)
}

// syncLocked compares the announced status of userID with the registry and
// announces the difference
func (p *Presence) syncLocked(userID string, at time.Time) {
	online := p.registry.UserOnline(userID)
	if online == p.online[userID] {
		return
	}
	status := protocol.StatusOnline
	if online {
		p.online[userID] = true
		p.metrics.Online(1)
	} else {
		delete(p.online, userID)
		delete(p.declared, userID)
		p.metrics.Online(-1)
		status = protocol.StatusOffline
	}
	p.announceLocked(userID, status, at, func(other *Connection) bool {
		return other.UserID() == userID
	})
}

// SetStatus applies a status declared by the client on c and fans it out to
// every other READY connection
func (p *Presence) SetStatus(c *Connection, status string) {
	now := p.now()
	c.touch(now)

	p.mu.Lock()
	defer p.mu.Unlock()
	if status == protocol.StatusOnline {
		delete(p.declared, c.UserID())
	} else {
		p.declared[c.UserID()] = status
	}
	p.lastSeen[c.UserID()] = now

	p.announceLocked(c.UserID(), status, now, func(other *Connection) bool {
		return other == c
	})
}

func (p *Presence) announceLocked(userID, status string, at time.Time, skip func(*Connection) bool) {
	frame := protocol.MustEncode(protocol.TypePresenceChanged, protocol.PresenceChanged{
		UserID:   userID,
		Status:   status,
		LastSeen: at,
	})
	n := p.registry.Broadcast(frame, skip)
	p.logger.Debug("presence changed",
		zap.String("user_id", userID),
		zap.String("status", status),
		zap.Int("recipients", n))

	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(context.Background(), events.Presence(userID, status, at)); err != nil {
		p.logger.Warn("failed to publish presence event", zap.String("user_id", userID), zap.Error(err))
	}
}

// snapshotLocked lists every user of users except excludeUserID, for initial_presence
func (p *Presence) snapshotLocked(users map[string]string, excludeUserID string) []protocol.PresenceEntry {
	entries := make([]protocol.PresenceEntry, 0, len(users))
	for userID, username := range users {
		if userID == excludeUserID {
			continue
		}
		entries = append(entries, protocol.PresenceEntry{
			UserID:   userID,
			Username: username,
			Status:   p.statusLocked(userID),
			LastSeen: p.lastSeen[userID],
		})
	}
	slices.SortFunc(entries, func(a, b protocol.PresenceEntry) int {
		return cmp.Compare(a.UserID, b.UserID)
	})
	return entries
}

func (p *Presence) statusLocked(userID string) string {
	if s, ok := p.declared[userID]; ok {
		return s
	}
	return protocol.StatusOnline
}

// Status reports the presence of one user
func (p *Presence) Status(userID string) UserPresence {
	online := p.registry.UserOnline(userID)

	p.mu.Lock()
	defer p.mu.Unlock()

	up := UserPresence{UserID: userID, Online: online, LastSeen: p.lastSeen[userID]}
	if online {
		up.Status = p.statusLocked(userID)
	} else {
		up.Status = protocol.StatusOffline
	}
	return up
}
