package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/auth"
	"github.com/amoylab/chatgate/internal/common/cnst"
	"github.com/amoylab/chatgate/internal/gateway/protocol"
)

func readyCount(r *Registry, userID string) int {
	n := 0
	for _, c := range r.ConnectionsForUser(userID) {
		if c.Ready() {
			n++
		}
	}
	return n
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestRegistry_AdmitSendsAuthSuccess(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	c, tr := h.connect("u1")

	assert.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, []string{protocol.TypeAuthSuccess}, tr.types())

	var ack protocol.AuthSuccess
	tr.last(t, protocol.TypeAuthSuccess, &ack)
	assert.Equal(t, "u1", ack.UserID)
	assert.Equal(t, "alice", ack.Username)
	assert.Equal(t, c.ID(), ack.ConnectionID)

	assert.Equal(t, []string{"dm-u1-u2", "general"}, h.gw.Registry().Channels(c))
	assert.Len(t, h.gw.Registry().ConnectionsForChannel("general"), 1)
}

func TestRegistry_AdmitDeduplicatesChannels(t *testing.T) {
	r := NewRegistry(zap.NewNop(), testConnConfig(), nil)
	c := newConnection(newFakeTransport())
	r.Admit(c, auth.Identity{UserID: "u1", Username: "alice"}, []string{"a", "b", "a"})

	assert.Equal(t, []string{"a", "b"}, r.Channels(c))
	assert.Equal(t, 2, r.Stats().Channels)
}

func TestRegistry_AdmitEvictsStaleConnections(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	first, firstTr := h.connect("u1")
	second, _ := h.connect("u1")

	closed, code := firstTr.closeCode()
	assert.True(t, closed)
	assert.Equal(t, cnst.CloseReplaced, code)
	assert.Equal(t, StateClosed, first.State())
	assert.Equal(t, []*Connection{second}, h.gw.Registry().ConnectionsForUser("u1"))
	for _, c := range h.gw.Registry().ConnectionsForChannel("general") {
		assert.NotSame(t, first, c)
	}
}

func TestRegistry_AtMostOneReadyPerUser(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	first, firstTr := h.ready("u1")

	// the READY connection survives the admission of a new one
	second, _ := h.connect("u1")
	assert.Equal(t, StateReady, first.State())
	assert.Equal(t, 1, readyCount(h.gw.Registry(), "u1"))

	h.send(second, protocol.TypeClientReady, protocol.ClientReady{UserID: "u1"})
	assert.Equal(t, StateReady, second.State())
	assert.Equal(t, StateClosed, first.State())
	assert.Equal(t, 1, readyCount(h.gw.Registry(), "u1"))

	closed, code := firstTr.closeCode()
	assert.True(t, closed)
	assert.Equal(t, cnst.CloseReplaced, code)
}

func TestRegistry_AllowMultipleReady(t *testing.T) {
	cfg := testConnConfig()
	cfg.AllowMultipleReady = true
	h := newHarness(t, cfg, nil)

	first, _ := h.ready("u1")
	second, _ := h.ready("u1")
	assert.True(t, first.Ready())
	assert.True(t, second.Ready())
	assert.Equal(t, 2, readyCount(h.gw.Registry(), "u1"))
}

func TestRegistry_MarkReadyIsIdempotent(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	c, tr := h.ready("u1")
	tr.reset()

	res, err := h.gw.Registry().MarkReady(c, nil)
	require.NoError(t, err)
	assert.True(t, res.AlreadyReady)
	assert.Empty(t, tr.types())
}

func TestRegistry_MarkReadyAfterRemove(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	c, _ := h.connect("u1")
	h.gw.Registry().Remove(c)

	_, err := h.gw.Registry().MarkReady(c, nil)
	assert.ErrorIs(t, err, cnst.ErrConnectionClosed)
}

func TestRegistry_ReadyTimeout(t *testing.T) {
	cfg := testConnConfig()
	cfg.ReadyTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, nil)

	c, tr := h.connect("u1")
	assert.Eventually(t, func() bool {
		closed, code := tr.closeCode()
		return closed && code == cnst.CloseReadyTimeout
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, h.gw.Registry().ConnectionsForChannel("general"))
	assert.Empty(t, h.gw.Registry().ConnectionsForChannel("dm-u1-u2"))
	assert.Empty(t, h.gw.Registry().ConnectionsForUser("u1"))
	assert.Equal(t, 0, h.gw.Registry().Stats().Channels)
}

func TestRegistry_ReadyCancelsTimeout(t *testing.T) {
	cfg := testConnConfig()
	cfg.ReadyTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, nil)

	c, tr := h.ready("u1")
	time.Sleep(60 * time.Millisecond)

	closed, _ := tr.closeCode()
	assert.False(t, closed)
	assert.True(t, c.Ready())
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	c, _ := h.ready("u1")

	removed, lastReady := h.gw.Registry().Remove(c)
	assert.True(t, removed)
	assert.True(t, lastReady)

	removed, lastReady = h.gw.Registry().Remove(c)
	assert.False(t, removed)
	assert.False(t, lastReady)
	assert.Empty(t, h.gw.Registry().ConnectionsForChannel("general"))
}

func TestRegistry_SendToChannelOnlyReachesReady(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	_, readyTr := h.ready("u1")
	_, pendingTr := h.connect("u2")
	readyTr.reset()
	pendingTr.reset()

	n := h.gw.Registry().SendToChannel("general", []byte(`{"type":"x"}`), nil)
	assert.Equal(t, 1, n)
	assert.Len(t, readyTr.envelopes(), 1)
	assert.Empty(t, pendingTr.envelopes())

	assert.Equal(t, 0, h.gw.Registry().SendToChannel("no-such-channel", []byte(`{}`), nil))
}

func TestRegistry_SendFailureKeepsConnection(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	c, tr := h.ready("u1")

	tr.mu.Lock()
	tr.full = true
	tr.mu.Unlock()

	err := h.gw.Registry().Send(c, []byte(`{}`))
	assert.ErrorIs(t, err, cnst.ErrTransportFailure)
	assert.True(t, c.Ready())
	assert.Len(t, h.gw.Registry().ConnectionsForUser("u1"), 1)
}

func TestRegistry_SendToRemovedConnection(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	c, tr := h.ready("u1")
	h.gw.Registry().Remove(c)
	tr.reset()

	assert.ErrorIs(t, h.gw.Registry().Send(c, []byte(`{}`)), cnst.ErrConnectionClosed)
	assert.Empty(t, tr.envelopes())
}

func TestRegistry_Broadcast(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	a, aTr := h.ready("u1")
	_, bTr := h.ready("u2")
	aTr.reset()
	bTr.reset()

	n := h.gw.Registry().Broadcast([]byte(`{"type":"x"}`), func(c *Connection) bool { return c == a })
	assert.Equal(t, 1, n)
	assert.Empty(t, aTr.envelopes())
	assert.Len(t, bTr.envelopes(), 1)
}

func TestRegistry_Sweep(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	a, aTr := h.ready("u1")
	_, bTr := h.ready("u2")

	assert.Empty(t, h.gw.Registry().Sweep())
	assert.Equal(t, 1, aTr.pings)

	bTr.pong()
	dead := h.gw.Registry().Sweep()
	assert.Equal(t, []*Connection{a}, dead)
}

func TestRegistry_Stats(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	h.ready("u1")
	h.connect("u2")

	s := h.gw.Registry().Stats()
	assert.Equal(t, 2, s.Connections)
	assert.Equal(t, 2, s.Users)
	assert.Equal(t, 2, s.Channels)
	assert.Equal(t, map[string]int{"ready": 1, "authenticated": 1}, s.ByState)
}

func TestRegistry_MarkReadyQueuesPrimeFirst(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	c, tr := h.connect("u1")

	// a fan-out attempted from inside prime must wait for the lock
	var sent chan int
	_, err := h.gw.Registry().MarkReady(c, func(v ReadyView) [][]byte {
		sent = make(chan int, 1)
		go func() {
			sent <- h.gw.Registry().SendToChannel("general", protocol.MustEncode(protocol.TypeTypingStart, protocol.Typing{ChannelID: "general", UserID: "u2"}), nil)
		}()
		return [][]byte{protocol.MustEncode(protocol.TypeChannelsLoaded, protocol.ChannelsLoaded{})}
	})
	require.NoError(t, err)
	assert.Equal(t, 1, <-sent)

	assert.Equal(t, []string{protocol.TypeReadyConfirmed, protocol.TypeChannelsLoaded, protocol.TypeTypingStart}, tr.types())
}
