package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/amoylab/chatgate/internal/common/cnst"
	"github.com/amoylab/chatgate/internal/common/config"
)

// DBStore implements Store on top of gorm
type DBStore struct {
	logger *zap.Logger
	db     *gorm.DB
}

var _ Store = (*DBStore)(nil)

// NewDBStore opens the configured database and migrates the schema
func NewDBStore(logger *zap.Logger, cfg *config.DatabaseConfig) (*DBStore, error) {
	logger = logger.Named("store.db")

	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	case "mysql":
		dialector = mysql.Open(cfg.GetDSN())
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.DBName), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dialector = sqlite.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &ChannelModel{}, &MemberModel{}, &MessageModel{}, &ReactionModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("database store ready", zap.String("type", cfg.Type))
	return &DBStore{logger: logger, db: db}, nil
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func (s *DBStore) FindUser(ctx context.Context, userID string) (*User, error) {
	var m UserModel
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&m).Error; err != nil {
		return nil, notFound(err, cnst.ErrUserNotFound)
	}
	return &User{ID: m.ID, Username: m.Username}, nil
}

func (s *DBStore) FindChannelsForUser(ctx context.Context, userID string) ([]*Channel, error) {
	var models []ChannelModel
	err := s.db.WithContext(ctx).
		Model(&ChannelModel{}).
		Joins("JOIN channel_members ON channel_members.channel_id = channels.id").
		Where("channel_members.user_id = ?", userID).
		Order("channels.id asc").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*Channel, len(models))
	for i, m := range models {
		out[i] = &Channel{ID: m.ID, Name: m.Name, Kind: m.Kind}
	}
	return out, nil
}

func (s *DBStore) PersistMessage(ctx context.Context, in *MessageInput) (*Message, error) {
	m := &MessageModel{
		ID:          uuid.NewString(),
		ChannelID:   in.ChannelID,
		UserID:      in.UserID,
		Content:     in.Content,
		Attachments: in.Attachments,
		ParentID:    in.ParentID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m.toMessage(), nil
}

func (s *DBStore) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	var m MessageModel
	if err := s.db.WithContext(ctx).Where("id = ?", messageID).First(&m).Error; err != nil {
		return nil, notFound(err, cnst.ErrNotFound)
	}
	return m.toMessage(), nil
}

func (s *DBStore) messageExists(ctx context.Context, tx *gorm.DB, messageID string) error {
	var count int64
	if err := tx.WithContext(ctx).Model(&MessageModel{}).Where("id = ?", messageID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return cnst.ErrNotFound
	}
	return nil
}

func (s *DBStore) AddReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	var added bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.messageExists(ctx, tx, messageID); err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&ReactionModel{MessageID: messageID, UserID: userID, Emoji: emoji})
		if res.Error != nil {
			return res.Error
		}
		added = res.RowsAffected > 0
		return nil
	})
	return added, err
}

func (s *DBStore) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	var removed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.messageExists(ctx, tx, messageID); err != nil {
			return err
		}
		res := tx.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
			Delete(&ReactionModel{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected > 0
		return nil
	})
	return removed, err
}

func (s *DBStore) ListReactions(ctx context.Context, messageID string) (map[string][]string, error) {
	if err := s.messageExists(ctx, s.db, messageID); err != nil {
		return nil, err
	}
	var models []ReactionModel
	err := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("emoji asc, user_id asc").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, m := range models {
		out[m.Emoji] = append(out[m.Emoji], m.UserID)
	}
	return out, nil
}

func (s *DBStore) SaveUser(ctx context.Context, user *User) error {
	return s.db.WithContext(ctx).Save(&UserModel{ID: user.ID, Username: user.Username}).Error
}

func (s *DBStore) SaveChannel(ctx context.Context, channel *Channel, memberIDs ...string) error {
	kind := channel.Kind
	if kind == "" {
		kind = ChannelPublic
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&ChannelModel{ID: channel.ID, Name: channel.Name, Kind: kind}).Error; err != nil {
			return err
		}
		for _, uid := range memberIDs {
			err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&MemberModel{ChannelID: channel.ID, UserID: uid}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
