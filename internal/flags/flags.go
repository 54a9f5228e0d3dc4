package flags

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/common/cnst"
	"github.com/amoylab/chatgate/internal/common/config"
)

// Implementation selects which transport owns a feature during a migration
type Implementation string

const (
	// Legacy is the previous transport (A); this gateway defers to it
	Legacy Implementation = "legacy"
	// Gateway is this transport (B)
	Gateway Implementation = "gateway"
	// Both runs the feature on both transports
	Both Implementation = "both"
)

// Features handled by the gateway
const (
	FeatureChannels  = "channels"
	FeatureMessages  = "messages"
	FeatureReactions = "reactions"
	FeatureTyping    = "typing"
	FeaturePresence  = "presence"
)

// ParseImplementation validates an implementation selector
func ParseImplementation(s string) (Implementation, error) {
	switch impl := Implementation(strings.ToLower(strings.TrimSpace(s))); impl {
	case Legacy, Gateway, Both:
		return impl, nil
	default:
		return "", fmt.Errorf("%w: %q", cnst.ErrInvalidImplementation, s)
	}
}

// Flag is the migration state of one feature
type Flag struct {
	Feature        string         `json:"feature"`
	Implementation Implementation `json:"implementation"`
	Fallback       bool           `json:"fallback"`
}

// Owned reports whether this gateway processes the feature
func (f Flag) Owned() bool {
	return f.Implementation != Legacy
}

// Change is emitted whenever a flag's state actually changes
type Change struct {
	Old    Flag `json:"old"`
	New    Flag `json:"new"`
	Remote bool `json:"remote"`
}

// Service holds the process-wide migration flags. Mutations are broadcast to
// watchers and, when a Sync is attached, to other gateway instances.
type Service struct {
	logger *zap.Logger
	sync   Sync

	mu       sync.RWMutex
	flags    map[string]Flag
	watchers map[chan Change]struct{}
}

// New creates the flag service. Every built-in feature starts owned by the
// gateway without fallback, then the configured features are applied on top.
func New(logger *zap.Logger, cfg config.FlagsConfig, sync Sync) (*Service, error) {
	s := &Service{
		logger:   logger.Named("flags"),
		sync:     sync,
		flags:    make(map[string]Flag),
		watchers: make(map[chan Change]struct{}),
	}
	for _, f := range []string{FeatureChannels, FeatureMessages, FeatureReactions, FeatureTyping, FeaturePresence} {
		s.flags[f] = Flag{Feature: f, Implementation: Gateway}
	}
	for name, fc := range cfg.Features {
		impl, err := ParseImplementation(fc.Implementation)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", name, err)
		}
		s.flags[name] = Flag{Feature: name, Implementation: impl, Fallback: fc.Fallback}
	}
	return s, nil
}

// Get returns the flag for feature. Unknown features report as owned by the gateway.
func (s *Service) Get(feature string) (Flag, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flags[feature]
	if !ok {
		return Flag{Feature: feature, Implementation: Gateway}, false
	}
	return f, true
}

// ImplementationFor returns which transport owns feature
func (s *Service) ImplementationFor(feature string) Implementation {
	f, _ := s.Get(feature)
	return f.Implementation
}

// FallbackEnabled reports whether clients may retry feature on the other transport
func (s *Service) FallbackEnabled(feature string) bool {
	f, _ := s.Get(feature)
	return f.Fallback
}

// List returns all flags ordered by feature name
func (s *Service) List() []Flag {
	s.mu.RLock()
	out := make([]Flag, 0, len(s.flags))
	for _, f := range s.flags {
		out = append(out, f)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Flag) int { return strings.Compare(a.Feature, b.Feature) })
	return out
}

// SetImplementation changes the owner of a registered feature
func (s *Service) SetImplementation(ctx context.Context, feature string, impl Implementation) error {
	if _, err := ParseImplementation(string(impl)); err != nil {
		return err
	}
	return s.update(ctx, feature, func(f *Flag) { f.Implementation = impl })
}

// SetFallback toggles fallback for a registered feature
func (s *Service) SetFallback(ctx context.Context, feature string, enabled bool) error {
	return s.update(ctx, feature, func(f *Flag) { f.Fallback = enabled })
}

func (s *Service) update(ctx context.Context, feature string, mutate func(*Flag)) error {
	s.mu.Lock()
	old, ok := s.flags[feature]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", cnst.ErrUnknownFeature, feature)
	}
	next := old
	mutate(&next)
	if next == old {
		s.mu.Unlock()
		return nil
	}
	s.flags[feature] = next
	s.emitLocked(Change{Old: old, New: next})
	s.mu.Unlock()

	s.logger.Info("flag changed",
		zap.String("feature", feature),
		zap.String("implementation", string(next.Implementation)),
		zap.Bool("fallback", next.Fallback))

	if s.sync != nil {
		if err := s.sync.Publish(ctx, next); err != nil {
			s.logger.Error("failed to publish flag change", zap.String("feature", feature), zap.Error(err))
			return fmt.Errorf("publish flag change: %w", err)
		}
	}
	return nil
}

// apply installs a flag received from another instance without republishing it
func (s *Service) apply(f Flag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.flags[f.Feature]
	if ok && old == f {
		return
	}
	if !ok {
		old = Flag{Feature: f.Feature}
	}
	s.flags[f.Feature] = f
	s.emitLocked(Change{Old: old, New: f, Remote: true})
}

// emitLocked delivers to every watcher without blocking; s.mu must be held
func (s *Service) emitLocked(c Change) {
	for w := range s.watchers {
		select {
		case w <- c:
		default:
			s.logger.Warn("flag watcher is full, dropping change", zap.String("feature", c.New.Feature))
		}
	}
}

// Watch returns a channel receiving every flag change until ctx is done
func (s *Service) Watch(ctx context.Context) <-chan Change {
	ch := make(chan Change, 16)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// Run applies flag changes published by other instances until ctx is done.
// It returns immediately when no Sync is attached.
func (s *Service) Run(ctx context.Context) error {
	if s.sync == nil {
		return nil
	}
	remote, err := s.sync.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-remote:
			if !ok {
				return nil
			}
			s.apply(f)
		}
	}
}

// Close releases the attached Sync, if any
func (s *Service) Close() error {
	if s.sync == nil {
		return nil
	}
	return s.sync.Close()
}
