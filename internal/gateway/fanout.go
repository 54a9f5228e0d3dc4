package gateway

import (
	"slices"

	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/gateway/protocol"
)

// Fanout applies channel joins and leaves and delivers frames to channel
// subscribers. Runtime subscriptions are not written back to the store.
type Fanout struct {
	logger   *zap.Logger
	registry *Registry
}

func NewFanout(logger *zap.Logger, registry *Registry) *Fanout {
	return &Fanout{
		logger:   logger.Named("fanout"),
		registry: registry,
	}
}

// Join subscribes c to channelID and confirms with the member list. The rest
// of the channel hears about it only if c was not subscribed already.
func (f *Fanout) Join(c *Connection, channelID string) error {
	added, err := f.registry.Subscribe(c, channelID)
	if err != nil {
		return err
	}

	_ = f.registry.Send(c, protocol.MustEncode(protocol.TypeChannelJoined, protocol.ChannelJoined{
		ChannelID: channelID,
		Members:   f.registry.ChannelMembers(channelID),
	}))
	if added {
		f.BroadcastToChannel(channelID, protocol.MustEncode(protocol.TypeMemberJoined, protocol.MemberEvent{
			ChannelID: channelID,
			UserID:    c.UserID(),
			Username:  c.Username(),
		}), c)
	}
	return nil
}

// Leave unsubscribes c from channelID
func (f *Fanout) Leave(c *Connection, channelID string) error {
	removed, err := f.registry.Unsubscribe(c, channelID)
	if err != nil {
		return err
	}

	_ = f.registry.Send(c, protocol.MustEncode(protocol.TypeChannelLeft, protocol.ChannelLeft{ChannelID: channelID}))
	if removed {
		f.BroadcastToChannel(channelID, protocol.MustEncode(protocol.TypeMemberLeft, protocol.MemberEvent{
			ChannelID: channelID,
			UserID:    c.UserID(),
			Username:  c.Username(),
		}))
	}
	return nil
}

// BroadcastToChannel sends frame to the READY subscribers of channelID except
// the excluded connections. An unknown or empty channel is a no-op.
func (f *Fanout) BroadcastToChannel(channelID string, frame []byte, exclude ...*Connection) int {
	var skip func(*Connection) bool
	if len(exclude) > 0 {
		skip = func(c *Connection) bool {
			return slices.Contains(exclude, c)
		}
	}
	n := f.registry.SendToChannel(channelID, frame, skip)
	f.logger.Debug("channel broadcast", zap.String("channel_id", channelID), zap.Int("recipients", n))
	return n
}
