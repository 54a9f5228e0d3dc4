package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	for _, f := range e.Fields {
		sb.WriteString("\n--> ")
		sb.WriteString(f)
	}
	return sb.String()
}

// SetDefaults fills every zero value the gateway cannot run without
func SetDefaults(cfg *GatewayConfig) {
	if cfg.Port == 0 {
		cfg.Port = 5235
	}
	if cfg.Auth.TokenParam == "" {
		cfg.Auth.TokenParam = "token"
	}
	if cfg.Auth.JWT.Duration <= 0 {
		cfg.Auth.JWT.Duration = 24 * time.Hour
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "memory"
	}

	g := &cfg.Gateway
	if g.ReadyTimeout <= 0 {
		g.ReadyTimeout = 10 * time.Second
	}
	if g.PingInterval <= 0 {
		g.PingInterval = 30 * time.Second
	}
	if g.WriteTimeout <= 0 {
		g.WriteTimeout = 10 * time.Second
	}
	if g.SendBuffer <= 0 {
		g.SendBuffer = 256
	}
	if g.MaxMessageBytes <= 0 {
		g.MaxMessageBytes = 64 * 1024
	}
	if g.MaxContentLength <= 0 {
		g.MaxContentLength = 4000
	}
	if g.MaxAttachments <= 0 {
		g.MaxAttachments = 10
	}

	rl := &cfg.RateLimit
	if rl.CleanupInterval <= 0 {
		rl.CleanupInterval = time.Minute
	}
	if rl.Rules == nil {
		rl.Rules = DefaultRateRules()
	}
	if rl.Handshake.IPRate <= 0 {
		rl.Handshake.IPRate = 1
	}
	if rl.Handshake.IPBurst <= 0 {
		rl.Handshake.IPBurst = 10
	}
	if rl.Handshake.IPTTL <= 0 {
		rl.Handshake.IPTTL = 5 * time.Minute
	}

	if cfg.Flags.Sync.Type == "" {
		cfg.Flags.Sync.Type = "none"
	}
	if cfg.Flags.Sync.Redis.Topic == "" {
		cfg.Flags.Sync.Redis.Topic = "chatgate:flags"
	}
	if cfg.Events.Type == "" {
		cfg.Events.Type = "memory"
	}
	if cfg.Events.Buffer <= 0 {
		cfg.Events.Buffer = 128
	}
	if cfg.Events.Redis.Topic == "" {
		cfg.Events.Redis.Topic = "chatgate:events"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "chatgate"
	}
}

// DefaultRateRules returns the per-kind limits applied when none are configured
func DefaultRateRules() map[string]RateRule {
	return map[string]RateRule{
		"message":  {Max: 30, Window: time.Minute, Cooldown: 30 * time.Second},
		"reaction": {Max: 60, Window: time.Minute, Cooldown: 10 * time.Second},
		"typing":   {Max: 20, Window: 10 * time.Second, Cooldown: 5 * time.Second},
		"channel":  {Max: 30, Window: time.Minute, Cooldown: time.Minute},
		"presence": {Max: 10, Window: time.Minute, Cooldown: 30 * time.Second},
	}
}

// Validate checks the loaded configuration for values the gateway cannot honor
func Validate(cfg *GatewayConfig) error {
	var bad []string

	if cfg.Port < 0 || cfg.Port > 65535 {
		bad = append(bad, fmt.Sprintf("port: %d out of range", cfg.Port))
	}
	switch cfg.Database.Type {
	case "memory", "sqlite", "postgres", "mysql":
	default:
		bad = append(bad, fmt.Sprintf("database.type: unsupported %q", cfg.Database.Type))
	}
	for kind, rule := range cfg.RateLimit.Rules {
		if rule.Max <= 0 || rule.Window <= 0 {
			bad = append(bad, fmt.Sprintf("rate_limit.rules.%s: max and window must be positive", kind))
		}
		if rule.Cooldown < 0 {
			bad = append(bad, fmt.Sprintf("rate_limit.rules.%s: cooldown must not be negative", kind))
		}
	}
	for name, f := range cfg.Flags.Features {
		switch f.Implementation {
		case "legacy", "gateway", "both":
		default:
			bad = append(bad, fmt.Sprintf("flags.features.%s: unknown implementation %q", name, f.Implementation))
		}
	}
	switch cfg.Flags.Sync.Type {
	case "none", "redis":
	default:
		bad = append(bad, fmt.Sprintf("flags.sync.type: unsupported %q", cfg.Flags.Sync.Type))
	}
	switch cfg.Events.Type {
	case "memory", "redis":
	default:
		bad = append(bad, fmt.Sprintf("events.type: unsupported %q", cfg.Events.Type))
	}

	if len(bad) > 0 {
		return &ValidationError{Message: "invalid gateway configuration", Fields: bad}
	}
	return nil
}
