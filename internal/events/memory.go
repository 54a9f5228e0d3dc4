package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryBus fans events out to in-process subscribers
type MemoryBus struct {
	logger *zap.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates a bus whose subscribers buffer up to buffer events
func NewMemoryBus(logger *zap.Logger, buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryBus{
		logger: logger.Named("events.memory"),
		buffer: buffer,
		subs:   make(map[chan Event]struct{}),
	}
}

func (b *MemoryBus) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("subscriber is full, dropping event", zap.String("kind", string(e.Kind)))
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Close ends every subscription
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}
