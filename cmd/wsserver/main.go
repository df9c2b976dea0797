package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/duet/chat-server/internal/auth"
	"github.com/duet/chat-server/internal/config"
	"github.com/duet/chat-server/internal/delivery"
	"github.com/duet/chat-server/internal/logging"
	"github.com/duet/chat-server/internal/messaging"
	"github.com/duet/chat-server/internal/presence"
	"github.com/duet/chat-server/internal/ratelimit"
	"github.com/duet/chat-server/internal/registry"
	"github.com/duet/chat-server/internal/store"
	"github.com/duet/chat-server/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to an optional config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "wsserver: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("chat server starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("server_name", cfg.ServerName),
		zap.String("database_driver", cfg.Database.Driver),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Duration("write_timeout", cfg.WriteTimeout),
		zap.Duration("heartbeat_interval", cfg.Heartbeat.Interval),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Bool("nats", cfg.NATS.URL != ""))

	// --- Conversation store ---
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	result, err := st.Migrate()
	if err != nil {
		return err
	}
	logger.Info("database migrated",
		zap.Uint("version", result.Version),
		zap.Bool("changed", result.Changed))

	// --- Core ---
	reg := registry.New(logger)
	router := delivery.NewRouter(st, reg, logger)
	verifier := auth.NewVerifier(cfg.Auth.Secret, st)

	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		MaxConnections: cfg.MaxConnections,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Heartbeat.Interval,
			Timeout:  cfg.Heartbeat.Timeout,
		},
	}, reg, verifier, router, st, logger)
	server.SetDatabase(st.DB())

	// --- Redis: presence mirror and send throttling ---
	if cfg.Redis.Addr != "" {
		presenceStore, err := presence.NewStore(cfg.Redis.Addr, cfg.ServerName)
		if err != nil {
			return err
		}
		defer func() { _ = presenceStore.Close() }()
		server.SetPresence(presenceStore)

		if cfg.RateLimit.Messages > 0 {
			rule := ratelimit.MessageRule(cfg.RateLimit.Messages, cfg.RateLimit.Window)
			router.SetLimiter(ratelimit.NewLimiter(presenceStore.Client(), rule, logger))
		}
	}

	// --- NATS: event publication ---
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = cfg.ServerName
		natsClient, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		router.SetPublisher(natsClient)
	}

	// Graceful shutdown.
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", zap.Stringer("signal", sig))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return <-errCh
}
