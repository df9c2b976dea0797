package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Cleanup(func() { hostname = os.Hostname })
	hostname = func() (string, error) { return "node-a", nil }

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, defaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, defaultLogLevel, cfg.LogLevel)
	assert.Equal(t, "node-a", cfg.ServerName)
	assert.Equal(t, defaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	assert.Equal(t, defaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, defaultHeartbeatInterval, cfg.Heartbeat.Interval)
	assert.Equal(t, defaultRateLimitWindow, cfg.RateLimit.Window)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.NATS.URL)
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: "127.0.0.1:9000"
log_level: "debug"
database:
  driver: "postgres"
  dsn: "postgres://chat@localhost/chat?sslmode=disable"
heartbeat:
  interval: "5s"
ratelimit:
  messages: 3
`), 0o644))

	t.Setenv("CHAT_LISTEN_ADDR", ":7000")
	t.Setenv("CHAT_AUTH_SECRET", "s3cret")
	t.Setenv("CHAT_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 3, cfg.RateLimit.Messages)
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("CHAT_WRITE_TIMEOUT", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write_timeout")
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.ErrorContains(t, cfg.Validate(), "auth.secret")

	cfg.Auth.Secret = "x"
	assert.NoError(t, cfg.Validate())

	cfg.Database.Driver = "mysql"
	assert.ErrorContains(t, cfg.Validate(), "mysql")
}
