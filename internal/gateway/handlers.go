package gateway

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/common/cnst"
	"github.com/amoylab/chatgate/internal/common/errorx"
	"github.com/amoylab/chatgate/internal/events"
	"github.com/amoylab/chatgate/internal/gateway/protocol"
	"github.com/amoylab/chatgate/internal/store"
)

const maxEmojiLength = 64

// handleReady completes the ready handshake and pushes the initial snapshot:
// channels_loaded, initial_presence and one channel_joined per channel. The
// snapshot is queued before the connection receives any fan-out.
func (r *Router) handleReady(c *Connection, m protocol.ClientReady) error {
	if m.UserID != c.UserID() || (m.Username != "" && m.Username != c.Username()) {
		return errorx.Validation("client_ready identity does not match the authenticated user")
	}

	_, err := r.presence.MarkReady(c, func(v ReadyView, users []protocol.PresenceEntry) [][]byte {
		channels := c.loaded
		if channels == nil {
			channels = []*store.Channel{}
		}
		frames := [][]byte{
			protocol.MustEncode(protocol.TypeChannelsLoaded, protocol.ChannelsLoaded{Channels: channels}),
			protocol.MustEncode(protocol.TypeInitialPresence, protocol.InitialPresence{Users: users}),
		}
		for _, ch := range v.Channels(c) {
			frames = append(frames, protocol.MustEncode(protocol.TypeChannelJoined, protocol.ChannelJoined{
				ChannelID: ch,
				Members:   v.ChannelMembers(ch),
			}))
		}
		return frames
	})
	return err
}

func (r *Router) handleJoin(c *Connection, m protocol.ChannelJoin) error {
	if !c.Ready() {
		return errorx.NotReady(protocol.TypeChannelJoin)
	}
	if m.ChannelID == "" {
		return errorx.Validation("channelId is required")
	}
	if err := r.admit(c, LimitChannel); err != nil {
		return err
	}
	return r.fanout.Join(c, m.ChannelID)
}

func (r *Router) handleLeave(c *Connection, m protocol.ChannelLeave) error {
	if !c.Ready() {
		return errorx.NotReady(protocol.TypeChannelLeave)
	}
	if m.ChannelID == "" {
		return errorx.Validation("channelId is required")
	}
	if err := r.admit(c, LimitChannel); err != nil {
		return err
	}
	return r.fanout.Leave(c, m.ChannelID)
}

// handleMessage persists a chat message before fanning it out, so a message
// seen by subscribers is always in the history
func (r *Router) handleMessage(ctx context.Context, c *Connection, m protocol.ChatMessage) error {
	if !c.Ready() {
		return errorx.NotReady(protocol.TypeMessage)
	}
	if err := r.validateMessage(m); err != nil {
		return err
	}
	if !r.registry.IsSubscribed(c, m.ChannelID) {
		return errorx.Validation("not subscribed to channel %s", m.ChannelID)
	}
	if err := r.admit(c, LimitMessage); err != nil {
		return err
	}

	msg, err := r.store.PersistMessage(ctx, &store.MessageInput{
		ChannelID:   m.ChannelID,
		UserID:      c.UserID(),
		Content:     m.Content,
		Attachments: m.Attachments,
		ParentID:    m.ParentID,
	})
	if err != nil {
		return errorx.Internal("failed to persist message", err)
	}

	r.fanout.BroadcastToChannel(m.ChannelID, protocol.MustEncode(protocol.TypeMessageReceived, protocol.MessageReceived{
		Message:  msg,
		Username: c.Username(),
		ClientID: m.ClientID,
	}))
	if r.bus != nil {
		if err := r.bus.Publish(ctx, events.Delivery(m.ChannelID, msg)); err != nil {
			r.logger.Warn("failed to publish delivery event",
				zap.String("channel_id", m.ChannelID),
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Router) validateMessage(m protocol.ChatMessage) error {
	if m.ChannelID == "" {
		return errorx.Validation("channelId is required")
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		return errorx.Validation("message needs content or attachments")
	}
	if n := utf8.RuneCountInString(m.Content); n > r.cfg.MaxContentLength {
		return errorx.Validation("content is %d characters, the limit is %d", n, r.cfg.MaxContentLength).
			WithDetail("maxContentLength", r.cfg.MaxContentLength)
	}
	if len(m.Attachments) > r.cfg.MaxAttachments {
		return errorx.Validation("%d attachments, the limit is %d", len(m.Attachments), r.cfg.MaxAttachments).
			WithDetail("maxAttachments", r.cfg.MaxAttachments)
	}
	for i, a := range m.Attachments {
		if a.URL == "" {
			return errorx.Validation("attachment %d has no url", i)
		}
	}
	return nil
}

// handleReaction is idempotent: adding a reaction already placed or removing
// one never placed changes nothing and broadcasts nothing
func (r *Router) handleReaction(ctx context.Context, c *Connection, channelID, messageID, emoji string, add bool) error {
	op := protocol.TypeReactionRemove
	if add {
		op = protocol.TypeReactionAdd
	}
	if !c.Ready() {
		return errorx.NotReady(op)
	}
	if messageID == "" || emoji == "" {
		return errorx.Validation("messageId and emoji are required")
	}
	if utf8.RuneCountInString(emoji) > maxEmojiLength {
		return errorx.Validation("emoji is too long")
	}
	if err := r.admit(c, LimitReaction); err != nil {
		return err
	}

	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, cnst.ErrNotFound) {
			return errorx.Validation("message %s not found", messageID)
		}
		return errorx.Internal("failed to load message", err)
	}
	if channelID != "" && channelID != msg.ChannelID {
		return errorx.Validation("message %s is not in channel %s", messageID, channelID)
	}
	if !r.registry.IsSubscribed(c, msg.ChannelID) {
		return errorx.Validation("not subscribed to channel %s", msg.ChannelID)
	}

	var changed bool
	typ := protocol.TypeReactionRemoved
	if add {
		typ = protocol.TypeReactionAdded
		changed, err = r.store.AddReaction(ctx, messageID, c.UserID(), emoji)
	} else {
		changed, err = r.store.RemoveReaction(ctx, messageID, c.UserID(), emoji)
	}
	if err != nil {
		return errorx.Internal("failed to update reaction", err)
	}
	if !changed {
		return nil
	}

	r.fanout.BroadcastToChannel(msg.ChannelID, protocol.MustEncode(typ, protocol.ReactionDelta{
		ChannelID: msg.ChannelID,
		MessageID: messageID,
		UserID:    c.UserID(),
		Emoji:     emoji,
	}))
	return nil
}

// handleTyping relays typing indicators to the rest of the channel. Rate
// limited typing_start frames are dropped without a reply.
func (r *Router) handleTyping(c *Connection, channelID string, start bool) error {
	typ := protocol.TypeTypingStop
	if start {
		typ = protocol.TypeTypingStart
	}
	if !c.Ready() {
		return errorx.NotReady(typ)
	}
	if channelID == "" {
		return errorx.Validation("channelId is required")
	}
	if !r.registry.IsSubscribed(c, channelID) {
		return errorx.Validation("not subscribed to channel %s", channelID)
	}
	if start && r.admit(c, LimitTyping) != nil {
		return nil
	}

	frame := protocol.MustEncode(typ, protocol.Typing{
		ChannelID: channelID,
		UserID:    c.UserID(),
		Username:  c.Username(),
	})
	r.registry.SendToChannel(channelID, frame, func(other *Connection) bool {
		return other.UserID() == c.UserID()
	})
	return nil
}

func (r *Router) handlePresence(c *Connection, m protocol.PresenceUpdate) error {
	if !c.Ready() {
		return errorx.NotReady(protocol.TypePresenceUpdate)
	}
	if !protocol.ValidStatus(m.Status) {
		return errorx.Validation("unknown status %q", m.Status)
	}
	if err := r.admit(c, LimitPresence); err != nil {
		return err
	}
	r.presence.SetStatus(c, m.Status)
	return nil
}
