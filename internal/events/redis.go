package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/common/config"
)

// RedisBus publishes events on a Redis pub/sub channel so that every
// gateway instance and external consumers see them
type RedisBus struct {
	logger *zap.Logger
	client *redis.Client
	topic  string
	buffer int
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus connects to Redis and verifies the connection
func NewRedisBus(logger *zap.Logger, cfg config.RedisConfig, buffer int) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if buffer <= 0 {
		buffer = 128
	}
	return &RedisBus{
		logger: logger.Named("events.redis"),
		client: client,
		topic:  cfg.Topic,
		buffer: buffer,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by the server
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ps := b.client.Subscribe(ctx, b.topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan Event, b.buffer)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					b.logger.Error("failed to unmarshal event", zap.Error(err))
					continue
				}
				select {
				case out <- e:
				default:
					b.logger.Warn("subscriber is full, dropping event", zap.String("kind", string(e.Kind)))
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
