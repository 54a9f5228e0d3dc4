package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/common/cnst"
)

type reactionKey struct {
	messageID string
	userID    string
	emoji     string
}

// MemoryStore implements Store in process memory
type MemoryStore struct {
	logger *zap.Logger

	mu        sync.RWMutex
	users     map[string]*User
	channels  map[string]*Channel
	members   map[string]map[string]struct{} // userID -> channelIDs
	messages  map[string]*Message
	reactions map[reactionKey]time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		logger:    logger.Named("store.memory"),
		users:     make(map[string]*User),
		channels:  make(map[string]*Channel),
		members:   make(map[string]map[string]struct{}),
		messages:  make(map[string]*Message),
		reactions: make(map[reactionKey]time.Time),
	}
}

func (s *MemoryStore) FindUser(_ context.Context, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, cnst.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) FindChannelsForUser(_ context.Context, userID string) ([]*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Channel, 0, len(s.members[userID]))
	for id := range s.members[userID] {
		if ch, ok := s.channels[id]; ok {
			cp := *ch
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *Channel) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryStore) PersistMessage(_ context.Context, in *MessageInput) (*Message, error) {
	msg := &Message{
		ID:          uuid.NewString(),
		ChannelID:   in.ChannelID,
		UserID:      in.UserID,
		Content:     in.Content,
		Attachments: slices.Clone(in.Attachments),
		ParentID:    in.ParentID,
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	s.messages[msg.ID] = msg
	s.mu.Unlock()

	cp := *msg
	return &cp, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, messageID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, cnst.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) AddReaction(_ context.Context, messageID, userID, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return false, cnst.ErrNotFound
	}
	k := reactionKey{messageID, userID, emoji}
	if _, ok := s.reactions[k]; ok {
		return false, nil
	}
	s.reactions[k] = time.Now()
	return true, nil
}

func (s *MemoryStore) RemoveReaction(_ context.Context, messageID, userID, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return false, cnst.ErrNotFound
	}
	k := reactionKey{messageID, userID, emoji}
	if _, ok := s.reactions[k]; !ok {
		return false, nil
	}
	delete(s.reactions, k)
	return true, nil
}

func (s *MemoryStore) ListReactions(_ context.Context, messageID string) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.messages[messageID]; !ok {
		return nil, cnst.ErrNotFound
	}
	out := make(map[string][]string)
	for k := range s.reactions {
		if k.messageID == messageID {
			out[k.emoji] = append(out[k.emoji], k.userID)
		}
	}
	for emoji := range out {
		slices.Sort(out[emoji])
	}
	return out, nil
}

func (s *MemoryStore) SaveUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) SaveChannel(_ context.Context, channel *Channel, memberIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *channel
	if cp.Kind == "" {
		cp.Kind = ChannelPublic
	}
	s.channels[channel.ID] = &cp
	for _, uid := range memberIDs {
		set, ok := s.members[uid]
		if !ok {
			set = make(map[string]struct{})
			s.members[uid] = set
		}
		set[channel.ID] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
