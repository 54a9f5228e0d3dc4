package store

import "time"

// UserModel is the users table
type UserModel struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Username  string    `gorm:"size:255;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (UserModel) TableName() string { return "users" }

// ChannelModel is the channels table
type ChannelModel struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Name      string    `gorm:"size:255"`
	Kind      string    `gorm:"size:16;not null;default:public"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (ChannelModel) TableName() string { return "channels" }

// MemberModel is the persisted channel membership
type MemberModel struct {
	ChannelID string    `gorm:"primaryKey;size:64"`
	UserID    string    `gorm:"primaryKey;size:64;index"`
	JoinedAt  time.Time `gorm:"autoCreateTime"`
}

func (MemberModel) TableName() string { return "channel_members" }

// MessageModel is the messages table
type MessageModel struct {
	ID          string       `gorm:"primaryKey;size:36"`
	ChannelID   string       `gorm:"size:64;index:idx_messages_channel_created,priority:1"`
	UserID      string       `gorm:"size:64;not null"`
	Content     string       `gorm:"type:text"`
	Attachments []Attachment `gorm:"serializer:json"`
	ParentID    string       `gorm:"size:36"`
	CreatedAt   time.Time    `gorm:"index:idx_messages_channel_created,priority:2"`
}

func (MessageModel) TableName() string { return "messages" }

// ReactionModel is one user's emoji on one message; the composite key keeps it unique
type ReactionModel struct {
	MessageID string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"primaryKey;size:64"`
	Emoji     string    `gorm:"primaryKey;size:64"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (ReactionModel) TableName() string { return "message_reactions" }

func (m *MessageModel) toMessage() *Message {
	return &Message{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		UserID:      m.UserID,
		Content:     m.Content,
		Attachments: m.Attachments,
		ParentID:    m.ParentID,
		CreatedAt:   m.CreatedAt,
	}
}
