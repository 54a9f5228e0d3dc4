package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/common/config"
)

// Sync propagates flag changes between gateway instances
type Sync interface {
	Publish(ctx context.Context, f Flag) error
	// Subscribe delivers flags published by other instances
	Subscribe(ctx context.Context) (<-chan Flag, error)
	Close() error
}

// NewSync creates the configured Sync, or nil for "none"
func NewSync(logger *zap.Logger, cfg config.FlagSyncConfig) (Sync, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "redis":
		rs, err := NewRedisSync(logger, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("unsupported flag sync type: %s", cfg.Type)
	}
}

// RedisSync shares flag changes over a Redis stream. Every instance reads the
// stream independently with XREAD so all of them observe every change.
type RedisSync struct {
	logger *zap.Logger
	client redis.UniversalClient
	stream string
	origin string
}

// NewRedisSync connects to Redis and verifies the connection
func NewRedisSync(logger *zap.Logger, cfg config.RedisConfig) (*RedisSync, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisSync{
		logger: logger.Named("flags.redis"),
		client: client,
		stream: cfg.Topic,
		origin: uuid.NewString(),
	}, nil
}

// Publish appends the flag to the stream
func (r *RedisSync) Publish(ctx context.Context, f Flag) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal flag: %w", err)
	}
	_, err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: 100,
		Approx: true,
		Values: map[string]interface{}{
			"flag":      string(data),
			"origin":    r.origin,
			"timestamp": time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add message to stream: %w", err)
	}
	return nil
}

// Subscribe starts reading after the newest entry present at call time
func (r *RedisSync) Subscribe(ctx context.Context) (<-chan Flag, error) {
	lastID := "0-0"
	latest, err := r.client.XRevRangeN(ctx, r.stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read stream head: %w", err)
	}
	if len(latest) > 0 {
		lastID = latest[0].ID
	}

	ch := make(chan Flag, 16)
	go func() {
		defer close(ch)
		for ctx.Err() == nil {
			streams, err := r.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{r.stream, lastID},
				Count:   16,
				Block:   time.Second,
			}).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					r.logger.Error("failed to read from stream", zap.Error(err))
					time.Sleep(100 * time.Millisecond)
				}
				continue
			}
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					if origin, _ := msg.Values["origin"].(string); origin == r.origin {
						continue
					}
					raw, _ := msg.Values["flag"].(string)
					var f Flag
					if err := json.Unmarshal([]byte(raw), &f); err != nil {
						r.logger.Error("failed to unmarshal flag", zap.String("id", msg.ID), zap.Error(err))
						continue
					}
					select {
					case ch <- f:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

// Close releases the Redis client
func (r *RedisSync) Close() error {
	return r.client.Close()
}
