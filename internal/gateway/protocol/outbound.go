package protocol

import (
	"encoding/json"
	"time"

	"github.com/amoylab/chatgate/internal/store"
)

// Envelope is the frame format in both directions
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Encode builds an outbound frame stamped with the current time in milliseconds
func Encode(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw, Timestamp: time.Now().UnixMilli()})
}

// MustEncode is Encode for payloads built from the types in this package,
// which always marshal
func MustEncode(typ string, payload any) []byte {
	b, err := Encode(typ, payload)
	if err != nil {
		panic(err)
	}
	return b
}

type AuthSuccess struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	ConnectionID string `json:"connectionId"`
}

type ReadyConfirmed struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type ChannelsLoaded struct {
	Channels []*store.Channel `json:"channels"`
}

type PresenceEntry struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username,omitempty"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

type InitialPresence struct {
	Users []PresenceEntry `json:"users"`
}

type Member struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type ChannelJoined struct {
	ChannelID string   `json:"channelId"`
	Members   []Member `json:"members"`
}

type ChannelLeft struct {
	ChannelID string `json:"channelId"`
}

type MemberEvent struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
}

type MessageReceived struct {
	Message  *store.Message `json:"message"`
	Username string         `json:"username"`
	ClientID string         `json:"clientId,omitempty"`
}

type ReactionDelta struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

type Typing struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
}

type PresenceChanged struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

type Error struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

type UseFallback struct {
	Feature string `json:"feature"`
	Error   string `json:"error"`
}
