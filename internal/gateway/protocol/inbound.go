package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/amoylab/chatgate/internal/common/cnst"
	"github.com/amoylab/chatgate/internal/store"
)

// Inbound is the closed set of client-to-gateway messages. The unexported
// method keeps other packages from adding variants, so a type switch over
// the types below is exhaustive.
type Inbound interface {
	Type() string
	inbound()
}

type ClientReady struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type ChannelJoin struct {
	ChannelID string `json:"channelId"`
}

type ChannelLeave struct {
	ChannelID string `json:"channelId"`
}

type ChatMessage struct {
	ChannelID   string             `json:"channelId"`
	Content     string             `json:"content"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	ParentID    string             `json:"parentId,omitempty"`
	// ClientID is echoed back so the sender can match its optimistic copy
	ClientID string `json:"clientId,omitempty"`
}

type ReactionAdd struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type ReactionRemove struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type TypingStart struct {
	ChannelID string `json:"channelId"`
}

type TypingStop struct {
	ChannelID string `json:"channelId"`
}

type PresenceUpdate struct {
	Status string `json:"status"`
}

func (ClientReady) Type() string    { return TypeClientReady }
func (ChannelJoin) Type() string    { return TypeChannelJoin }
func (ChannelLeave) Type() string   { return TypeChannelLeave }
func (ChatMessage) Type() string    { return TypeMessage }
func (ReactionAdd) Type() string    { return TypeReactionAdd }
func (ReactionRemove) Type() string { return TypeReactionRemove }
func (TypingStart) Type() string    { return TypeTypingStart }
func (TypingStop) Type() string     { return TypeTypingStop }
func (PresenceUpdate) Type() string { return TypePresenceUpdate }

func (ClientReady) inbound()    {}
func (ChannelJoin) inbound()    {}
func (ChannelLeave) inbound()   {}
func (ChatMessage) inbound()    {}
func (ReactionAdd) inbound()    {}
func (ReactionRemove) inbound() {}
func (TypingStart) inbound()    {}
func (TypingStop) inbound()     {}
func (PresenceUpdate) inbound() {}

// Decode parses one inbound frame. It fails with cnst.ErrValidationFailed for
// malformed JSON or payloads, cnst.ErrMissingMessageType when "type" is absent
// and cnst.ErrUnknownMessageType for types without a handler.
func Decode(data []byte) (Inbound, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed json", cnst.ErrValidationFailed)
	}
	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String || typ.String() == "" {
		return nil, cnst.ErrMissingMessageType
	}

	var msg Inbound
	switch typ.String() {
	case TypeClientReady:
		msg = &ClientReady{}
	case TypeChannelJoin:
		msg = &ChannelJoin{}
	case TypeChannelLeave:
		msg = &ChannelLeave{}
	case TypeMessage:
		msg = &ChatMessage{}
	case TypeReactionAdd:
		msg = &ReactionAdd{}
	case TypeReactionRemove:
		msg = &ReactionRemove{}
	case TypeTypingStart:
		msg = &TypingStart{}
	case TypeTypingStop:
		msg = &TypingStop{}
	case TypePresenceUpdate:
		msg = &PresenceUpdate{}
	default:
		return nil, fmt.Errorf("%w: %s", cnst.ErrUnknownMessageType, typ.String())
	}

	payload := gjson.GetBytes(data, "payload")
	if payload.Exists() && payload.Type != gjson.Null {
		if !payload.IsObject() {
			return nil, fmt.Errorf("%w: payload of %s must be an object", cnst.ErrValidationFailed, typ.String())
		}
		if err := json.Unmarshal([]byte(payload.Raw), msg); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", cnst.ErrValidationFailed, typ.String(), err)
		}
	}
	return deref(msg), nil
}

func deref(m Inbound) Inbound {
	switch v := m.(type) {
	case *ClientReady:
		return *v
	case *ChannelJoin:
		return *v
	case *ChannelLeave:
		return *v
	case *ChatMessage:
		return *v
	case *ReactionAdd:
		return *v
	case *ReactionRemove:
		return *v
	case *TypingStart:
		return *v
	case *TypingStop:
		return *v
	case *PresenceUpdate:
		return *v
	}
	return m
}
