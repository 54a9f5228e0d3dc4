package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoylab/chatgate/internal/gateway/protocol"
)

func subscriberIDs(r *Registry, channelID string) []string {
	var ids []string
	for _, c := range r.ConnectionsForChannel(channelID) {
		ids = append(ids, c.ID())
	}
	return ids
}

func TestFanout_JoinLeaveRoundTrip(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	a, aTr := h.ready("u1")
	b, _ := h.ready("u2")
	require.NoError(t, h.gw.Fanout().Join(b, "random"))

	before := subscriberIDs(h.gw.Registry(), "random")
	aTr.reset()

	require.NoError(t, h.gw.Fanout().Join(a, "random"))
	assert.ElementsMatch(t, append(before, a.ID()), subscriberIDs(h.gw.Registry(), "random"))
	assert.Contains(t, h.gw.Registry().Channels(a), "random")

	require.NoError(t, h.gw.Fanout().Leave(a, "random"))
	assert.ElementsMatch(t, before, subscriberIDs(h.gw.Registry(), "random"))
	assert.NotContains(t, h.gw.Registry().Channels(a), "random")

	assert.Equal(t, []string{protocol.TypeChannelJoined, protocol.TypeChannelLeft}, aTr.types())
}

func TestFanout_JoinNotifiesRestOfChannel(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	a, aTr := h.ready("u1")
	_, bTr := h.ready("u2")
	aTr.reset()
	bTr.reset()

	h.send(a, protocol.TypeChannelJoin, protocol.ChannelJoin{ChannelID: "dm-u1-u2"})
	// already subscribed at admission: confirmation only
	assert.Equal(t, []string{protocol.TypeChannelJoined}, aTr.types())
	assert.Empty(t, bTr.types())

	h.send(a, protocol.TypeChannelLeave, protocol.ChannelLeave{ChannelID: "dm-u1-u2"})
	assert.Equal(t, 1, bTr.count(protocol.TypeMemberLeft))

	h.send(a, protocol.TypeChannelJoin, protocol.ChannelJoin{ChannelID: "dm-u1-u2"})
	var joined protocol.ChannelJoined
	aTr.last(t, protocol.TypeChannelJoined, &joined)
	assert.Equal(t, "dm-u1-u2", joined.ChannelID)
	assert.Equal(t, []protocol.Member{{UserID: "u1", Username: "alice"}, {UserID: "u2", Username: "bob"}}, joined.Members)

	var ev protocol.MemberEvent
	bTr.last(t, protocol.TypeMemberJoined, &ev)
	assert.Equal(t, protocol.MemberEvent{ChannelID: "dm-u1-u2", UserID: "u1", Username: "alice"}, ev)
	assert.Equal(t, 0, aTr.count(protocol.TypeMemberJoined))
}

func TestFanout_LeaveUnknownChannel(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	a, aTr := h.ready("u1")
	aTr.reset()

	require.NoError(t, h.gw.Fanout().Leave(a, "nowhere"))
	assert.Equal(t, []string{protocol.TypeChannelLeft}, aTr.types())
}

func TestFanout_BroadcastToChannel(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	a, aTr := h.ready("u1")
	_, bTr := h.ready("u2")
	_, cTr := h.ready("u3")
	aTr.reset()
	bTr.reset()
	cTr.reset()

	n := h.gw.Fanout().BroadcastToChannel("dm-u1-u2", []byte(`{"type":"x"}`), a)
	assert.Equal(t, 1, n)
	assert.Empty(t, aTr.envelopes())
	assert.Len(t, bTr.envelopes(), 1)
	assert.Empty(t, cTr.envelopes())

	assert.Zero(t, h.gw.Fanout().BroadcastToChannel("deleted-channel", []byte(`{}`)))
}

func TestFanout_JoinRemovedConnection(t *testing.T) {
	h := newHarness(t, testConnConfig(), nil)
	a, _ := h.ready("u1")
	h.gw.Disconnect(a, 1000, "")

	assert.Error(t, h.gw.Fanout().Join(a, "random"))
	assert.Empty(t, h.gw.Registry().ConnectionsForChannel("random"))
}
