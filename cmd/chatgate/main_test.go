package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoylab/chatgate/internal/auth/jwt"
	"github.com/amoylab/chatgate/pkg/version"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func captureOutput(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = old }()

	f()
	_ = w.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		rootCmd.SetArgs([]string{})
		configPath = defaultConfig
		tokenUser, tokenName = "", ""
	})
	rootCmd.SetArgs(args)
	var err error
	out := captureOutput(func() { err = rootCmd.Execute() })
	return out, err
}

func TestRootCmd_Version(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "chatgate version "+version.Get()+"\n", out)
}

func TestRootCmd_Help(t *testing.T) {
	_, err := execute(t, "--help")
	assert.NoError(t, err)
}

func TestTestCommand(t *testing.T) {
	path := writeConfig(t, "port: 7000\nauth:\n  jwt:\n    secret_key: "+testSecret+"\n")
	out, err := execute(t, "test", "--conf", path)
	require.NoError(t, err)
	assert.Contains(t, out, "test is successful")
}

func TestTestCommand_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "database:\n  type: oracle\n")
	_, err := execute(t, "test", "--conf", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.type")
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt:\n    secret_key: "+testSecret+"\n    duration: 1h\n")
	out, err := execute(t, "token", "--conf", path, "--user", "u1", "--username", "alice")
	require.NoError(t, err)

	svc, err := jwt.NewService(jwt.Config{SecretKey: testSecret, Duration: 1})
	require.NoError(t, err)
	claims, err := svc.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())
	assert.Equal(t, "alice", claims.Username)
}

func TestTokenCommand_RequiresUser(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt:\n    secret_key: "+testSecret+"\n")
	_, err := execute(t, "token", "--conf", path)
	assert.Error(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"version", "test", "token"})
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("conf"))
}
