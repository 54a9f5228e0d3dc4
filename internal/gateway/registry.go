package gateway

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/ifuryst/lol"
	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/auth"
	"github.com/amoylab/chatgate/internal/common/cnst"
	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/amoylab/chatgate/internal/gateway/protocol"
	"github.com/amoylab/chatgate/pkg/metrics"
)

// Registry is the source of truth for live connections and their channel
// subscriptions. Every index is guarded by one lock, so a broadcast never
// observes a half-applied admit, join, leave or remove. Transport sends never
// block, which lets broadcasts send while holding the read lock: a connection
// removed from the registry can no longer receive fan-out.
type Registry struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     config.ConnConfig
	now     func() time.Time

	mu        sync.RWMutex
	byID      map[string]*Connection
	byUser    map[string]map[string]*Connection
	byChannel map[string]map[string]*Connection
}

// ReadyTransition describes what MarkReady changed
type ReadyTransition struct {
	// FirstForUser is set when no other connection of the user was READY,
	// i.e. the user just came online
	FirstForUser bool
	// AlreadyReady is set when the connection was READY before the call
	AlreadyReady bool
	// Replaced holds older READY connections of the user that were closed
	Replaced []*Connection
}

// Stats is a point-in-time view of the registry
type Stats struct {
	Connections int            `json:"connections"`
	Users       int            `json:"users"`
	Channels    int            `json:"channels"`
	ByState     map[string]int `json:"byState"`
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger, cfg config.ConnConfig, m *metrics.Metrics) *Registry {
	return &Registry{
		logger:    logger.Named("registry"),
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
		byID:      make(map[string]*Connection),
		byUser:    make(map[string]map[string]*Connection),
		byChannel: make(map[string]map[string]*Connection),
	}
}

// Admit registers an authenticated connection. Connections of the same user
// that are not READY are evicted with CloseReplaced. The new connection is
// subscribed to channelIDs, gets a ready timeout and an auth_success frame.
func (r *Registry) Admit(c *Connection, id auth.Identity, channelIDs []string) {
	r.mu.Lock()
	var evicted []*Connection
	for _, other := range r.byUser[id.UserID] {
		if other.State() != StateReady {
			r.removeLocked(other)
			evicted = append(evicted, other)
		}
	}

	c.userID = id.UserID
	c.username = id.Username
	c.touch(r.now())
	c.moveTo(StateAuthenticated, r.metrics)

	r.byID[c.id] = c
	if r.byUser[c.userID] == nil {
		r.byUser[c.userID] = make(map[string]*Connection)
	}
	r.byUser[c.userID][c.id] = c
	for _, ch := range lol.UniqSlice(channelIDs) {
		r.subscribeLocked(c, ch)
	}
	subscribed := len(c.channels)
	if r.cfg.ReadyTimeout > 0 {
		c.readyTimer = time.AfterFunc(r.cfg.ReadyTimeout, func() { r.expire(c) })
	}
	r.mu.Unlock()

	for _, old := range evicted {
		r.logger.Info("evicting stale connection",
			zap.String("conn_id", old.id),
			zap.String("user_id", old.userID),
			zap.String("replaced_by", c.id))
		r.closeTransport(old, cnst.CloseReplaced, cnst.ReasonReplaced)
	}

	r.logger.Debug("connection admitted",
		zap.String("conn_id", c.id),
		zap.String("user_id", c.userID),
		zap.Int("channels", subscribed))
	_ = r.Send(c, protocol.MustEncode(protocol.TypeAuthSuccess, protocol.AuthSuccess{
		UserID:       c.userID,
		Username:     c.username,
		ConnectionID: c.id,
	}))
}

// ReadyView reads registry state while MarkReady holds the registry lock
type ReadyView struct {
	r *Registry
}

// ReadyUsers maps every user with a READY connection to its username
func (v ReadyView) ReadyUsers() map[string]string { return v.r.readyUsersLocked() }

// Channels returns the sorted ids of the channels c is subscribed to
func (v ReadyView) Channels(c *Connection) []string { return v.r.channelsLocked(c) }

// ChannelMembers lists the distinct READY users subscribed to channelID
func (v ReadyView) ChannelMembers(channelID string) []protocol.Member {
	return v.r.channelMembersLocked(channelID)
}

// MarkReady completes the ready handshake: the ready timeout is cancelled and
// the connection starts receiving fan-out. Unless multiple READY connections
// per user are allowed, an older READY connection of the user is replaced.
//
// ready_confirmed and the frames returned by prime are queued before the
// registry lock is released, so no fan-out frame can overtake them. prime
// must not call back into the registry.
func (r *Registry) MarkReady(c *Connection, prime func(ReadyView) [][]byte) (ReadyTransition, error) {
	var tr ReadyTransition

	r.mu.Lock()
	if r.byID[c.id] != c {
		r.mu.Unlock()
		return tr, cnst.ErrConnectionClosed
	}
	if c.State() == StateReady {
		r.mu.Unlock()
		tr.AlreadyReady = true
		return tr, nil
	}

	if c.readyTimer != nil {
		c.readyTimer.Stop()
		c.readyTimer = nil
	}
	tr.FirstForUser = true
	for _, other := range r.byUser[c.userID] {
		if other == c || other.State() != StateReady {
			continue
		}
		tr.FirstForUser = false
		if !r.cfg.AllowMultipleReady {
			r.removeLocked(other)
			tr.Replaced = append(tr.Replaced, other)
		}
	}
	c.touch(r.now())
	c.moveTo(StateReady, r.metrics)

	_ = r.send(c, protocol.MustEncode(protocol.TypeReadyConfirmed, protocol.ReadyConfirmed{
		UserID:   c.userID,
		Username: c.username,
	}))
	if prime != nil {
		for _, frame := range prime(ReadyView{r: r}) {
			_ = r.send(c, frame)
		}
	}
	r.mu.Unlock()

	for _, old := range tr.Replaced {
		r.logger.Info("replacing ready connection",
			zap.String("conn_id", old.id),
			zap.String("user_id", old.userID),
			zap.String("replaced_by", c.id))
		r.closeTransport(old, cnst.CloseReplaced, cnst.ReasonReplaced)
	}
	return tr, nil
}

// Remove deregisters c from every index. It reports whether c was registered
// and whether it was the user's last READY connection. Calling it again is a no-op.
func (r *Registry) Remove(c *Connection) (removed, lastReady bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID[c.id] != c {
		return false, false
	}
	wasReady := r.removeLocked(c)
	return true, wasReady && !r.userReadyLocked(c.userID)
}

// removeLocked drops c from every index, stops its timer and marks it closed.
// It returns whether c was READY.
func (r *Registry) removeLocked(c *Connection) bool {
	if c.readyTimer != nil {
		c.readyTimer.Stop()
		c.readyTimer = nil
	}
	delete(r.byID, c.id)
	if conns := r.byUser[c.userID]; conns != nil {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(r.byUser, c.userID)
		}
	}
	for ch := range c.channels {
		r.unsubscribeLocked(c, ch)
	}
	return c.moveTo(StateClosed, r.metrics) == StateReady
}

func (r *Registry) userReadyLocked(userID string) bool {
	for _, c := range r.byUser[userID] {
		if c.State() == StateReady {
			return true
		}
	}
	return false
}

// expire closes a connection that never completed the ready handshake
func (r *Registry) expire(c *Connection) {
	r.mu.Lock()
	if r.byID[c.id] != c || c.State() != StateAuthenticated {
		r.mu.Unlock()
		return
	}
	r.removeLocked(c)
	r.mu.Unlock()

	r.logger.Info("ready timeout",
		zap.String("conn_id", c.id),
		zap.String("user_id", c.userID),
		zap.Duration("timeout", r.cfg.ReadyTimeout))
	r.closeTransport(c, cnst.CloseReadyTimeout, cnst.ReasonReadyTimeout)
}

func (r *Registry) closeTransport(c *Connection, code int, reason string) {
	c.transport.Close(code, reason)
	r.metrics.Closed(code)
}

// Subscribe adds c to channelID, reporting whether it was newly added
func (r *Registry) Subscribe(c *Connection, channelID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID[c.id] != c {
		return false, cnst.ErrConnectionClosed
	}
	return r.subscribeLocked(c, channelID), nil
}

// Unsubscribe removes c from channelID, reporting whether it was subscribed
func (r *Registry) Unsubscribe(c *Connection, channelID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID[c.id] != c {
		return false, cnst.ErrConnectionClosed
	}
	return r.unsubscribeLocked(c, channelID), nil
}

// the connection side and the channel side always change together
func (r *Registry) subscribeLocked(c *Connection, channelID string) bool {
	if _, ok := c.channels[channelID]; ok {
		return false
	}
	c.channels[channelID] = struct{}{}
	if r.byChannel[channelID] == nil {
		r.byChannel[channelID] = make(map[string]*Connection)
	}
	r.byChannel[channelID][c.id] = c
	return true
}

func (r *Registry) unsubscribeLocked(c *Connection, channelID string) bool {
	if _, ok := c.channels[channelID]; !ok {
		return false
	}
	delete(c.channels, channelID)
	if subs := r.byChannel[channelID]; subs != nil {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(r.byChannel, channelID)
		}
	}
	return true
}

// IsSubscribed reports whether c currently receives fan-out for channelID
func (r *Registry) IsSubscribed(c *Connection, channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := c.channels[channelID]
	return ok
}

// Channels returns the ids of the channels c is subscribed to, sorted
func (r *Registry) Channels(c *Connection) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channelsLocked(c)
}

func (r *Registry) channelsLocked(c *Connection) []string {
	ids := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		ids = append(ids, ch)
	}
	slices.Sort(ids)
	return ids
}

// ChannelMembers lists the distinct READY users subscribed to channelID
func (r *Registry) ChannelMembers(channelID string) []protocol.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channelMembersLocked(channelID)
}

func (r *Registry) channelMembersLocked(channelID string) []protocol.Member {
	seen := make(map[string]protocol.Member)
	for _, c := range r.byChannel[channelID] {
		if c.State() == StateReady {
			seen[c.userID] = protocol.Member{UserID: c.userID, Username: c.username}
		}
	}

	members := make([]protocol.Member, 0, len(seen))
	for _, m := range seen {
		members = append(members, m)
	}
	slices.SortFunc(members, func(a, b protocol.Member) int {
		return cmp.Compare(a.UserID, b.UserID)
	})
	return members
}

// ConnectionsForChannel returns every connection subscribed to channelID
func (r *Registry) ConnectionsForChannel(channelID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byChannel[channelID])
}

// ConnectionsForUser returns every registered connection of userID
func (r *Registry) ConnectionsForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byUser[userID])
}

// All returns every registered connection
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byID)
}

func (r *Registry) readyUsersLocked() map[string]string {
	users := make(map[string]string, len(r.byUser))
	for userID, conns := range r.byUser {
		for _, c := range conns {
			if c.State() == StateReady {
				users[userID] = c.username
				break
			}
		}
	}
	return users
}

// UserOnline reports whether userID has a READY connection
func (r *Registry) UserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userReadyLocked(userID)
}

func collect(m map[string]*Connection) []*Connection {
	conns := make([]*Connection, 0, len(m))
	for _, c := range m {
		conns = append(conns, c)
	}
	return conns
}

// Send delivers frame to c if it is still registered. Failures are logged and
// returned but never remove the connection.
func (r *Registry) Send(c *Connection, frame []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.byID[c.id] != c {
		return cnst.ErrConnectionClosed
	}
	return r.send(c, frame)
}

func (r *Registry) send(c *Connection, frame []byte) error {
	err := c.transport.Send(frame)
	r.metrics.Sent(err == nil)
	if err != nil {
		r.logger.Warn("send failed",
			zap.String("conn_id", c.id),
			zap.String("user_id", c.userID),
			zap.Error(err))
	}
	return err
}

// SendToChannel sends frame to every READY connection subscribed to channelID
// for which skip returns false. An unknown channel is a no-op. It returns the
// number of connections the frame was queued for.
func (r *Registry) SendToChannel(channelID string, frame []byte, skip func(*Connection) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sendAllLocked(r.byChannel[channelID], frame, skip)
}

// Broadcast sends frame to every READY connection for which skip returns false
func (r *Registry) Broadcast(frame []byte, skip func(*Connection) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sendAllLocked(r.byID, frame, skip)
}

func (r *Registry) sendAllLocked(conns map[string]*Connection, frame []byte, skip func(*Connection) bool) int {
	sent := 0
	for _, c := range conns {
		if c.State() != StateReady || (skip != nil && skip(c)) {
			continue
		}
		if r.send(c, frame) == nil {
			sent++
		}
	}
	return sent
}

// Sweep runs one heartbeat round. Connections that did not answer the
// previous ping are returned as dead; every other connection is pinged.
func (r *Registry) Sweep() []*Connection {
	var dead []*Connection
	for _, c := range r.All() {
		if !c.transport.Alive() {
			dead = append(dead, c)
			continue
		}
		if err := c.transport.Ping(); err != nil {
			r.logger.Debug("ping failed", zap.String("conn_id", c.id), zap.Error(err))
		}
	}
	return dead
}

// Stats returns connection counts
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Connections: len(r.byID),
		Users:       len(r.byUser),
		Channels:    len(r.byChannel),
		ByState:     make(map[string]int),
	}
	for _, c := range r.byID {
		s.ByState[c.State().String()]++
	}
	return s
}
