package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEnv(t *testing.T) {
	t.Setenv("X_A", "va")
	in := []byte("a: ${X_A:da}\nb: ${X_B:db}")
	out := resolveEnv(in)
	assert.Contains(t, string(out), "a: va")
	assert.Contains(t, string(out), "b: db")
}

func TestLoadConfig_Gateway(t *testing.T) {
	tmp := t.TempDir()
	old, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(old) })
	_ = os.Chdir(tmp)

	t.Setenv("CHATGATE_SECRET", "0123456789abcdef0123456789abcdef")
	yaml := `
port: 7000
auth:
  jwt:
    secret_key: ${CHATGATE_SECRET}
gateway:
  ready_timeout: 5s
  allow_multiple_ready: true
rate_limit:
  rules:
    message:
      max: 3
      window: 10s
      cooldown: 20s
flags:
  features:
    messages:
      implementation: gateway
      fallback: true
database:
  type: ${DB_TYPE:sqlite}
  dbname: ${DB_NAME:data/chat.db}
`
	file := filepath.Join(tmp, "chatgate.yaml")
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o644))

	cfg, path, err := LoadConfig("chatgate.yaml")
	require.NoError(t, err)
	realFile, _ := filepath.EvalSymlinks(file)
	realPath, _ := filepath.EvalSymlinks(path)
	assert.Equal(t, realFile, realPath)

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Auth.JWT.SecretKey)
	assert.Equal(t, "token", cfg.Auth.TokenParam)
	assert.Equal(t, 5*time.Second, cfg.Gateway.ReadyTimeout)
	assert.Equal(t, 30*time.Second, cfg.Gateway.PingInterval)
	assert.True(t, cfg.Gateway.AllowMultipleReady)
	assert.Equal(t, RateRule{Max: 3, Window: 10 * time.Second, Cooldown: 20 * time.Second}, cfg.RateLimit.Rules["message"])
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "data/chat.db", cfg.Database.DBName)
	assert.True(t, cfg.Flags.Features["messages"].Fallback)
	assert.Equal(t, "memory", cfg.Events.Type)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSetDefaults(t *testing.T) {
	var cfg GatewayConfig
	SetDefaults(&cfg)

	assert.Equal(t, 5235, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.Gateway.ReadyTimeout)
	assert.Equal(t, 4000, cfg.Gateway.MaxContentLength)
	assert.Equal(t, 10, cfg.Gateway.MaxAttachments)
	assert.Equal(t, "memory", cfg.Database.Type)
	assert.Equal(t, "none", cfg.Flags.Sync.Type)
	assert.Contains(t, cfg.RateLimit.Rules, "message")
	assert.NoError(t, Validate(&cfg))
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := GatewayConfig{}
	SetDefaults(&cfg)
	cfg.Database.Type = "oracle"
	cfg.RateLimit.Rules = map[string]RateRule{"message": {Max: 0, Window: time.Second}}
	cfg.Flags.Features = map[string]FeatureConfig{"typing": {Implementation: "carrier-pigeon"}}

	err := Validate(&cfg)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 3)
	assert.Contains(t, err.Error(), "database.type")
	assert.Contains(t, err.Error(), "rate_limit.rules.message")
	assert.Contains(t, err.Error(), "flags.features.typing")
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	pg := &DatabaseConfig{Type: "postgres", Host: "h", Port: 5432, User: "u", Password: "p", DBName: "d"}
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", pg.GetDSN())

	my := &DatabaseConfig{Type: "mysql", Host: "h", Port: 3306, User: "u", Password: "p", DBName: "d"}
	assert.Equal(t, "u:p@tcp(h:3306)/d?charset=utf8mb4&parseTime=True&loc=Local", my.GetDSN())

	lite := &DatabaseConfig{Type: "sqlite", DBName: "data/chat.db"}
	assert.Equal(t, "data/chat.db", lite.GetDSN())

	assert.Empty(t, (&DatabaseConfig{Type: "memory"}).GetDSN())
}
