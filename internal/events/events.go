package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/amoylab/chatgate/internal/store"
)

// Kind discriminates the payload of an Event
type Kind string

const (
	KindPresence Kind = "presence"
	KindDelivery Kind = "delivery"
)

// PresenceEvent reports a user's presence transition
type PresenceEvent struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// DeliveryEvent reports a message fanned out to a channel
type DeliveryEvent struct {
	ChannelID string         `json:"channelId"`
	Message   *store.Message `json:"message"`
}

// Event is one entry of the stream exposed to UI layers. Exactly one of
// Presence and Delivery is set, matching Kind.
type Event struct {
	Kind     Kind           `json:"kind"`
	At       time.Time      `json:"at"`
	Presence *PresenceEvent `json:"presence,omitempty"`
	Delivery *DeliveryEvent `json:"delivery,omitempty"`
}

// Presence wraps a presence transition into an Event
func Presence(userID, status string, lastSeen time.Time) Event {
	return Event{
		Kind:     KindPresence,
		At:       time.Now().UTC(),
		Presence: &PresenceEvent{UserID: userID, Status: status, LastSeen: lastSeen},
	}
}

// Delivery wraps a delivered message into an Event
func Delivery(channelID string, msg *store.Message) Event {
	return Event{
		Kind:     KindDelivery,
		At:       time.Now().UTC(),
		Delivery: &DeliveryEvent{ChannelID: channelID, Message: msg},
	}
}

// Bus carries gateway events to any number of subscribers
type Bus interface {
	// Publish never blocks on slow subscribers
	Publish(ctx context.Context, e Event) error
	// Subscribe returns a channel closed when ctx is done
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

// NewBus creates a bus based on configuration
func NewBus(logger *zap.Logger, cfg config.EventsConfig) (Bus, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryBus(logger, cfg.Buffer), nil
	case "redis":
		b, err := NewRedisBus(logger, cfg.Redis, cfg.Buffer)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported events type: %s", cfg.Type)
	}
}
