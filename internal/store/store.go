package store

import (
	"context"
	"time"
)

// Channel kinds
const (
	ChannelPublic  = "public"
	ChannelPrivate = "private"
	ChannelDirect  = "dm"
)

// User is the identity a token subject resolves to
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Channel is a room, private group or direct-message pair
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Attachment references a file stored outside the gateway
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// MessageInput is a validated chat message ready to persist
type MessageInput struct {
	ChannelID   string
	UserID      string
	Content     string
	Attachments []Attachment
	ParentID    string
}

// Message is a persisted chat message
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channelId"`
	UserID      string       `json:"userId"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ParentID    string       `json:"parentId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Store is the membership and message collaborator of the gateway.
// Lookups of missing records return cnst.ErrNotFound or cnst.ErrUserNotFound.
type Store interface {
	FindUser(ctx context.Context, userID string) (*User, error)
	FindChannelsForUser(ctx context.Context, userID string) ([]*Channel, error)
	PersistMessage(ctx context.Context, in *MessageInput) (*Message, error)
	GetMessage(ctx context.Context, messageID string) (*Message, error)

	// AddReaction reports whether the reaction was newly placed
	AddReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	// RemoveReaction reports whether a placed reaction was removed
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	// ListReactions returns emoji -> user ids for one message
	ListReactions(ctx context.Context, messageID string) (map[string][]string, error)

	SaveUser(ctx context.Context, user *User) error
	SaveChannel(ctx context.Context, channel *Channel, memberIDs ...string) error

	Close() error
}
