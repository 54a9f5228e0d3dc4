package config

import (
	"os"
	"regexp"
	"time"

	"github.com/amoylab/chatgate/pkg/helper"
	"github.com/amoylab/chatgate/pkg/trace"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// GatewayConfig represents the chat gateway configuration
	GatewayConfig struct {
		Port      int             `yaml:"port"`
		Logger    LoggerConfig    `yaml:"logger"`
		Auth      AuthConfig      `yaml:"auth"`
		Database  DatabaseConfig  `yaml:"database"`
		Gateway   ConnConfig      `yaml:"gateway"`
		RateLimit RateLimitConfig `yaml:"rate_limit"`
		Flags     FlagsConfig     `yaml:"flags"`
		Events    EventsConfig    `yaml:"events"`
		Metrics   MetricsConfig   `yaml:"metrics"`
		Tracing   trace.Config    `yaml:"tracing"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}

	// AuthConfig defines the authentication configuration
	AuthConfig struct {
		JWT JWTConfig `yaml:"jwt"`
		// TokenParam is the query parameter carrying the bearer token on the handshake URL
		TokenParam string `yaml:"token_param"`
		// AdminUsers may call the /api endpoints; when empty any valid token may
		AdminUsers []string `yaml:"admin_users"`
	}

	// JWTConfig holds the token verification settings
	JWTConfig struct {
		SecretKey string        `yaml:"secret_key"`
		Duration  time.Duration `yaml:"duration"`
	}

	// DatabaseConfig represents the membership and message store configuration
	DatabaseConfig struct {
		Type     string `yaml:"type"` // memory, sqlite, postgres, mysql
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		SSLMode  string `yaml:"sslmode"`
	}

	// ConnConfig holds the connection lifecycle and envelope limits
	ConnConfig struct {
		ReadyTimeout     time.Duration `yaml:"ready_timeout"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		SendBuffer       int           `yaml:"send_buffer"`
		MaxMessageBytes  int64         `yaml:"max_message_bytes"`
		MaxContentLength int           `yaml:"max_content_length"`
		MaxAttachments   int           `yaml:"max_attachments"`
		// AllowMultipleReady lets one user keep several READY connections (tabs).
		// When false a connection becoming READY replaces the user's older READY one.
		AllowMultipleReady bool     `yaml:"allow_multiple_ready"`
		AllowedOrigins     []string `yaml:"allowed_origins"`
		MaxParseFailures   int      `yaml:"max_parse_failures"` // 0 disables the protocol violation close
	}

	// RateLimitConfig holds the per-kind admission rules
	RateLimitConfig struct {
		CleanupInterval time.Duration        `yaml:"cleanup_interval"`
		Rules           map[string]RateRule  `yaml:"rules"`
		Handshake       HandshakeLimitConfig `yaml:"handshake"`
	}

	// RateRule limits a message kind to Max requests per Window, blocking for Cooldown once exceeded
	RateRule struct {
		Max      int           `yaml:"max"`
		Window   time.Duration `yaml:"window"`
		Cooldown time.Duration `yaml:"cooldown"`
	}

	// HandshakeLimitConfig limits new connections per remote IP
	HandshakeLimitConfig struct {
		Enabled bool          `yaml:"enabled"`
		IPRate  float64       `yaml:"ip_rate"`
		IPBurst int           `yaml:"ip_burst"`
		IPTTL   time.Duration `yaml:"ip_ttl"`
	}

	// FlagsConfig represents the migration flag configuration
	FlagsConfig struct {
		Features map[string]FeatureConfig `yaml:"features"`
		Sync     FlagSyncConfig           `yaml:"sync"`
	}

	// FeatureConfig is the initial state of one feature flag
	FeatureConfig struct {
		Implementation string `yaml:"implementation"` // legacy, gateway, both
		Fallback       bool   `yaml:"fallback"`
	}

	// FlagSyncConfig selects how flag changes propagate across gateway instances
	FlagSyncConfig struct {
		Type  string      `yaml:"type"` // none or redis
		Redis RedisConfig `yaml:"redis"`
	}

	// EventsConfig represents the outbound event stream configuration
	EventsConfig struct {
		Type   string      `yaml:"type"` // memory or redis
		Buffer int         `yaml:"buffer"`
		Redis  RedisConfig `yaml:"redis"`
	}

	// RedisConfig represents a Redis connection and the stream/topic used on it
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Topic    string `yaml:"topic"`
	}

	// MetricsConfig represents the prometheus configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}
)

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig(filename string) (*GatewayConfig, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}

	SetDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, cfgPath, err
	}

	return &cfg, cfgPath, nil
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
