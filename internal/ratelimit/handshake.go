package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/amoylab/chatgate/internal/common/config"
)

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// HandshakeLimiter throttles connection attempts per remote IP with a token bucket
type HandshakeLimiter struct {
	logger *zap.Logger
	rate   rate.Limit
	burst  int
	ttl    time.Duration
	now    func() time.Time

	mu  sync.Mutex
	ips map[string]*ipEntry
}

// NewHandshakeLimiter creates a per-IP limiter from configuration
func NewHandshakeLimiter(logger *zap.Logger, cfg config.HandshakeLimitConfig) *HandshakeLimiter {
	return &HandshakeLimiter{
		logger: logger.Named("ratelimit.handshake"),
		rate:   rate.Limit(cfg.IPRate),
		burst:  cfg.IPBurst,
		ttl:    cfg.IPTTL,
		now:    time.Now,
		ips:    make(map[string]*ipEntry),
	}
}

// Allow reports whether a new connection from ip may proceed
func (h *HandshakeLimiter) Allow(ip string) bool {
	h.mu.Lock()
	now := h.now()
	e, ok := h.ips[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(h.rate, h.burst)}
		h.ips[ip] = e
	}
	e.lastAccess = now
	h.mu.Unlock()

	if !e.limiter.AllowN(now, 1) {
		h.logger.Debug("handshake rate limited", zap.String("ip", ip))
		return false
	}
	return true
}

// Cleanup forgets IPs idle for longer than the configured TTL
func (h *HandshakeLimiter) Cleanup() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	removed := 0
	for ip, e := range h.ips {
		if now.Sub(e.lastAccess) > h.ttl {
			delete(h.ips, ip)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx is done
func (h *HandshakeLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Cleanup()
		}
	}
}
