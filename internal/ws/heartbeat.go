package ws

import (
	"context"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s); zero disables
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all registered connections and disconnects those
// that have gone stale (no frame read within Interval + Timeout). It returns
// immediately; the goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections disconnects stale connections, pings the rest and
// refreshes their presence entries. Clients answer pings with pongs, which
// count as activity.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, e := range server.registry.All() {
		c, ok := e.Handle.(*Connection)
		if !ok {
			continue
		}

		if idle := now.Sub(c.LastActive()); idle > deadline {
			server.logger.Info("heartbeat timeout",
				zap.Int64("user_id", c.UserID()),
				zap.String("conn", c.ID()),
				zap.Duration("idle", idle.Round(time.Second)))
			_ = c.CloseWith(ws.StatusGoingAway, "heartbeat timeout")
			server.disconnect(c, "heartbeat timeout")
			continue
		}

		if err := c.WritePing(); err != nil {
			server.logger.Info("heartbeat ping failed",
				zap.Int64("user_id", c.UserID()),
				zap.String("conn", c.ID()),
				zap.Error(err))
			server.disconnect(c, "ping failed")
			continue
		}

		touchPresence(server, c)
	}
}

// touchPresence keeps the mirror entry of a live connection from expiring.
func touchPresence(server *Server, c *Connection) {
	if server.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := server.presence.Touch(ctx, c.UserID(), c.ID()); err != nil {
		server.logger.Warn("presence touch failed", zap.Int64("user_id", c.UserID()), zap.Error(err))
	}
}
