// Package ws accepts WebSocket connections, authenticates them, registers
// them with the connection registry and feeds their frames to the delivery
// router. It also serves the read-side HTTP endpoints.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duet/chat-server/internal/auth"
	"github.com/duet/chat-server/internal/metrics"
	"github.com/duet/chat-server/internal/presence"
	"github.com/duet/chat-server/internal/protocol"
	"github.com/duet/chat-server/internal/registry"
	"github.com/duet/chat-server/internal/store"
)

// MaxFrameBytes caps the size of one inbound data message.
const MaxFrameBytes = 16 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on registered connections
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves a handshake token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (int64, error)
}

// FrameRouter consumes inbound frames and emits presence notices.
type FrameRouter interface {
	HandleFrame(ctx context.Context, userID int64, data []byte) error
	AnnounceLeft(userID int64)
	AnnounceUnauthorized(text string)
}

// Presence mirrors online state for other processes.
type Presence interface {
	SetOnline(ctx context.Context, userID int64, connID string) error
	SetOffline(ctx context.Context, userID int64, connID string) (bool, error)
	Touch(ctx context.Context, userID int64, connID string) (bool, error)
	Get(ctx context.Context, userID int64) (*presence.Entry, error)
}

// presenceShards serializes mirror writes per user.
const presenceShards = 64

// HistoryReader serves the read-side endpoints.
type HistoryReader interface {
	History(ctx context.Context, senderID, receiverID int64, limit int) ([]store.Conversation, error)
	LastMessage(ctx context.Context, senderID, receiverID int64) ([]store.ConversationPreview, error)
}

// Pinger reports backend health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server upgrades HTTP requests to WebSocket connections and runs one read
// loop goroutine per connection, so frames from a connection are handled
// strictly in arrival order.
type Server struct {
	config     ServerConfig
	registry   *registry.Registry
	auth       Authenticator
	router     FrameRouter
	history    HistoryReader
	presence   Presence
	db         Pinger
	logger     *zap.Logger
	httpServer *http.Server

	ctx      context.Context // canceled once shutdown completes
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	conns    sync.WaitGroup // read loops
	mu       sync.Mutex     // guards conns.Add, registration and httpServer against shutdown

	live       map[*Connection]struct{} // includes connections replaced in the registry
	presenceMu [presenceShards]sync.Mutex

	startedAt time.Time
}

// NewServer wires a Server. Connections whose writes fail during fan-out are
// torn down through the same path as a closed socket.
func NewServer(config ServerConfig, reg *registry.Registry, authn Authenticator, router FrameRouter, history HistoryReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    config,
		registry:  reg,
		auth:      authn,
		router:    router,
		history:   history,
		logger:    logger.Named("ws"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		live:      make(map[*Connection]struct{}),
		startedAt: time.Now(),
	}
	reg.SetOnEvict(func(userID int64, h registry.Handle) {
		s.afterDisconnect(userID, h, "write failed")
	})
	return s
}

// SetPresence enables the presence mirror.
func (s *Server) SetPresence(p Presence) { s.presence = p }

// SetDatabase makes /health check the database.
func (s *Server) SetDatabase(db Pinger) { s.db = db }

// Handler returns the HTTP routes served by the process.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/chats/history", s.handleHistory)
	mux.HandleFunc("/chats/last", s.handleLast)
	mux.HandleFunc("/presence", s.handlePresence)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start starts the heartbeat and blocks serving HTTP on ListenAddr until
// Shutdown is called.
func (s *Server) Start() error {
	httpServer := &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("server listening",
		zap.String("addr", s.config.ListenAddr),
		zap.Int("max_connections", s.config.MaxConnections),
		zap.Duration("heartbeat_interval", s.config.Heartbeat.Interval))

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades the request, authenticates the token query
// parameter and registers the connection. Failed authentication is reported
// to the client as a 1008 close frame after the upgrade and broadcast to
// every connected client.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		s.refuse(conn, "missing_token", protocol.TextNoToken, ws.StatusPolicyViolation, true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	userID, err := s.auth.Authenticate(ctx, token)
	cancel()
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			s.logger.Info("handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
			s.refuse(conn, "invalid_token", protocol.TextUnauthorized, ws.StatusPolicyViolation, true)
			return
		}
		s.logger.Error("authentication backend failed", zap.Error(err))
		s.refuse(conn, "backend_error", "authentication unavailable", ws.StatusInternalServerError, false)
		return
	}

	var src io.Reader = conn
	if rw != nil && rw.Reader.Buffered() > 0 {
		src = rw.Reader
	}

	c := newConnection(uuid.NewString(), userID, conn, s.config.WriteTimeout)

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = c.CloseWith(ws.StatusGoingAway, "server shutting down")
		return
	default:
	}
	// Registering under mu means Shutdown's Drain either sees c or c is
	// refused above.
	s.conns.Add(1)
	s.live[c] = struct{}{}
	prior := s.registry.Connect(userID, c)
	s.mu.Unlock()

	if prior != nil {
		s.logger.Info("user reconnected, previous connection no longer receives frames",
			zap.Int64("user_id", userID),
			zap.String("old_conn", prior.ID()),
			zap.String("conn", c.ID()))
	}
	metrics.ConnectionsTotal.Set(float64(s.registry.Count()))

	s.mirrorOnline(c)

	s.logger.Info("connection opened",
		zap.Int64("user_id", userID),
		zap.String("conn", c.ID()),
		zap.Int("online", s.registry.Count()))

	go s.serve(c, src)
}

func (s *Server) lockPresence(userID int64) func() {
	mu := &s.presenceMu[uint64(userID)%presenceShards]
	mu.Lock()
	return mu.Unlock
}

// mirrorOnline records c in the presence mirror if it is still the user's
// registered connection. A connection replaced before its write lands is
// skipped, so the mirror never ends up naming a superseded connection.
func (s *Server) mirrorOnline(c *Connection) {
	if s.presence == nil {
		return
	}
	unlock := s.lockPresence(c.UserID())
	defer unlock()

	if cur, ok := s.registry.Get(c.UserID()); !ok || cur != registry.Handle(c) {
		s.logger.Debug("connection replaced before presence write", zap.Int64("user_id", c.UserID()), zap.String("conn", c.ID()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.presence.SetOnline(ctx, c.UserID(), c.ID()); err != nil {
		s.logger.Warn("presence set online failed", zap.Int64("user_id", c.UserID()), zap.Error(err))
	}
}

// mirrorOffline clears the user's mirror entry if it still names connID.
func (s *Server) mirrorOffline(userID int64, connID string) {
	if s.presence == nil {
		return
	}
	unlock := s.lockPresence(userID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := s.presence.SetOffline(ctx, userID, connID); err != nil {
		s.logger.Warn("presence set offline failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// refuse closes a freshly upgraded connection that failed authentication.
func (s *Server) refuse(conn net.Conn, reason, text string, code ws.StatusCode, announce bool) {
	metrics.AuthFailures.WithLabelValues(reason).Inc()
	if s.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, text)))
	_ = conn.Close()
	if announce {
		s.router.AnnounceUnauthorized(text)
	}
}

// serve is the read loop of one connection. It returns when the peer closes,
// a read fails, or the router rejects a frame; the connection is then torn
// down.
func (s *Server) serve(c *Connection, src io.Reader) {
	defer s.conns.Done()
	defer func() {
		s.mu.Lock()
		delete(s.live, c)
		s.mu.Unlock()
	}()

	reason := "closed by peer"
	defer func() { s.disconnect(c, reason) }()

	control := wsutil.ControlFrameHandler(controlWriter{c}, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         src,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				reason = "read error"
			}
			return
		}
		c.touch()

		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return
			}
			continue
		}

		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				reason = "read error"
				return
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rd, MaxFrameBytes+1))
		if err != nil {
			reason = "read error"
			return
		}
		if len(data) > MaxFrameBytes {
			reason = "frame too large"
			_ = c.CloseWith(ws.StatusMessageTooBig, "message too big")
			return
		}

		if err := s.router.HandleFrame(s.ctx, c.UserID(), data); err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				reason = "malformed frame"
				_ = c.CloseWith(ws.StatusUnsupportedData, "malformed frame")
			} else {
				reason = "internal error"
				s.logger.Error("frame handling failed", zap.Int64("user_id", c.UserID()), zap.Error(err))
				_ = c.CloseWith(ws.StatusInternalServerError, "internal error")
			}
			return
		}
	}
}

// disconnect removes c from the registry and closes it. The departure is
// announced only if c was still the user's current connection.
func (s *Server) disconnect(c *Connection, reason string) {
	userID, removed := s.registry.Disconnect(c)
	_ = c.Close()
	if !removed {
		s.logger.Debug("stale connection closed", zap.Int64("user_id", c.UserID()), zap.String("conn", c.ID()))
		return
	}
	s.afterDisconnect(userID, c, reason)
}

func (s *Server) afterDisconnect(userID int64, h registry.Handle, reason string) {
	metrics.ConnectionsTotal.Set(float64(s.registry.Count()))
	s.mirrorOffline(userID, h.ID())
	s.router.AnnounceLeft(userID)

	fields := []zap.Field{
		zap.Int64("user_id", userID),
		zap.String("conn", h.ID()),
		zap.String("reason", reason),
		zap.Int("online", s.registry.Count()),
	}
	if c, ok := h.(*Connection); ok {
		fields = append(fields, zap.Duration("connected_for", time.Since(c.CreatedAt()).Round(time.Millisecond)))
	}
	s.logger.Info("connection closed", fields...)
}

// Shutdown stops accepting connections, closes every registered connection
// and waits for their read loops to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.Lock()
	s.doneOnce.Do(func() { close(s.done) })
	httpServer := s.httpServer
	s.mu.Unlock()

	var firstErr error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("ws: http shutdown: %w", err)
		}
	}

	if s.presence != nil {
		for _, e := range s.registry.All() {
			s.mirrorOffline(e.UserID, e.Handle.ID())
		}
	}
	closed := s.registry.Drain()
	metrics.ConnectionsTotal.Set(0)

	// Replaced connections are no longer in the registry but still have a
	// read loop.
	s.mu.Lock()
	lingering := make([]*Connection, 0, len(s.live))
	for c := range s.live {
		lingering = append(lingering, c)
	}
	s.mu.Unlock()
	for _, c := range lingering {
		_ = c.CloseWith(ws.StatusGoingAway, "server shutting down")
	}

	waited := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = fmt.Errorf("ws: waiting for read loops: %w", ctx.Err())
		}
	}
	s.cancel()

	s.logger.Info("server stopped", zap.Int("connections_closed", closed))
	return firstErr
}
