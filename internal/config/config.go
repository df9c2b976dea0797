// Package config loads the chat server configuration from an optional file
// and CHAT_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	ListenAddr          string
	LogLevel            string
	ServerName          string
	ShutdownGracePeriod time.Duration
	WriteTimeout        time.Duration
	MaxConnections      int
	Database            DatabaseConfig
	Redis               RedisConfig
	NATS                NATSConfig
	Auth                AuthConfig
	Heartbeat           HeartbeatConfig
	RateLimit           RateLimitConfig
}

// DatabaseConfig selects the conversation store backend.
type DatabaseConfig struct {
	Driver string // "postgres" or "sqlite3"
	DSN    string
}

// RedisConfig enables the presence mirror and send throttling. An empty
// Addr disables both.
type RedisConfig struct {
	Addr string
}

// NATSConfig enables event publication. An empty URL disables it.
type NATSConfig struct {
	URL string
}

// AuthConfig holds the token verification secret.
type AuthConfig struct {
	Secret string
}

// HeartbeatConfig controls ping frames and dead connection eviction. A zero
// Interval disables the heartbeat.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// RateLimitConfig bounds how many messages one user may send per window.
type RateLimitConfig struct {
	Messages int
	Window   time.Duration
}

const (
	defaultListenAddr          = ":8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultWriteTimeout        = 10 * time.Second
	defaultMaxConnections      = 100000
	defaultDatabaseDriver      = "sqlite3"
	defaultDatabaseDSN         = "chat.db"
	defaultHeartbeatInterval   = 30 * time.Second
	defaultHeartbeatTimeout    = 10 * time.Second
	defaultRateLimitMessages   = 20
	defaultRateLimitWindow     = 10 * time.Second
)

// Load reads configuration from path (if non-empty) and the environment.
// Environment variables are prefixed with CHAT_ and override file values,
// e.g. CHAT_DATABASE_DSN for database.dsn.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("server_name", "")
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("write_timeout", defaultWriteTimeout.String())
	v.SetDefault("max_connections", defaultMaxConnections)
	v.SetDefault("database.driver", defaultDatabaseDriver)
	v.SetDefault("database.dsn", defaultDatabaseDSN)
	v.SetDefault("redis.addr", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("heartbeat.interval", defaultHeartbeatInterval.String())
	v.SetDefault("heartbeat.timeout", defaultHeartbeatTimeout.String())
	v.SetDefault("ratelimit.messages", defaultRateLimitMessages)
	v.SetDefault("ratelimit.window", defaultRateLimitWindow.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Config{
		ListenAddr:     v.GetString("listen_addr"),
		LogLevel:       v.GetString("log_level"),
		ServerName:     v.GetString("server_name"),
		MaxConnections: v.GetInt("max_connections"),
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		Redis:     RedisConfig{Addr: v.GetString("redis.addr")},
		NATS:      NATSConfig{URL: v.GetString("nats.url")},
		Auth:      AuthConfig{Secret: v.GetString("auth.secret")},
		RateLimit: RateLimitConfig{Messages: v.GetInt("ratelimit.messages")},
	}

	// Viper hands durations back as strings; parse them here so a typo is
	// reported instead of silently becoming zero.
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod},
		{"write_timeout", &cfg.WriteTimeout},
		{"heartbeat.interval", &cfg.Heartbeat.Interval},
		{"heartbeat.timeout", &cfg.Heartbeat.Timeout},
		{"ratelimit.window", &cfg.RateLimit.Window},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if cfg.ServerName == "" {
		cfg.ServerName, _ = hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "ws-1"
	}

	return cfg, nil
}

// Validate reports settings the server cannot start without.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("config: database.dsn is empty")
	}
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return errors.New("config: auth.secret is empty")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be positive, got %d", c.MaxConnections)
	}
	return nil
}

// split out for testing.
var hostname = os.Hostname
