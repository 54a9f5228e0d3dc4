package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/common/config"
)

// Rule limits one message kind to Max admissions per Window. Exceeding it
// blocks the kind for Cooldown.
type Rule struct {
	Max      int
	Window   time.Duration
	Cooldown time.Duration
}

type key struct {
	userID string
	kind   string
}

type window struct {
	count        int
	start        time.Time
	blockedUntil time.Time
}

// Limiter is a per-(user, kind) fixed window limiter with a cooldown block
type Limiter struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	rules   map[string]Rule
	windows map[key]*window
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter from the configured rules. Kinds without a rule are never limited.
func New(logger *zap.Logger, rules map[string]config.RateRule, opts ...Option) *Limiter {
	l := &Limiter{
		logger:  logger.Named("ratelimit"),
		now:     time.Now,
		rules:   make(map[string]Rule, len(rules)),
		windows: make(map[key]*window),
	}
	for kind, r := range rules {
		l.rules[kind] = Rule{Max: r.Max, Window: r.Window, Cooldown: r.Cooldown}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit records one request of kind for userID and reports whether it is allowed
func (l *Limiter) Admit(userID, kind string) bool {
	ok, _ := l.Check(userID, kind)
	return ok
}

// Check is Admit that also returns how long the caller should back off when rejected
func (l *Limiter) Check(userID, kind string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule, ok := l.rules[kind]
	if !ok {
		return true, 0
	}

	now := l.now()
	k := key{userID, kind}
	w, ok := l.windows[k]
	if !ok {
		w = &window{start: now}
		l.windows[k] = w
	}

	if now.Before(w.blockedUntil) {
		return false, w.blockedUntil.Sub(now)
	}
	if !w.blockedUntil.IsZero() {
		// the block has run out; start over with a fresh window
		w.blockedUntil = time.Time{}
		w.count = 0
		w.start = now
	}
	if now.Sub(w.start) >= rule.Window {
		w.count = 0
		w.start = now
	}
	if w.count >= rule.Max {
		w.blockedUntil = now.Add(rule.Cooldown)
		l.logger.Debug("rate limit exceeded",
			zap.String("user_id", userID),
			zap.String("kind", kind),
			zap.Duration("cooldown", rule.Cooldown))
		return false, rule.Cooldown
	}
	w.count++
	return true, 0
}

// Cleanup drops windows that are expired and not blocked, returning how many were removed
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, w := range l.windows {
		rule, ok := l.rules[k.kind]
		if !ok || (now.Sub(w.start) >= rule.Window && !now.Before(w.blockedUntil)) {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run calls Cleanup every interval until ctx is done
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				l.logger.Debug("purged idle rate windows", zap.Int("count", n))
			}
		}
	}
}
