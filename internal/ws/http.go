package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/duet/chat-server/internal/auth"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestToken reads the bearer token from the Authorization header or the
// token query parameter.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// readParams authenticates the request and resolves the (sender, receiver)
// pair. sender_id defaults to the caller and may not name anyone else.
func (s *Server) readParams(w http.ResponseWriter, r *http.Request) (senderID, receiverID int64, ok bool) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return 0, 0, false
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	userID, err := s.auth.Authenticate(ctx, requestToken(r))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		} else {
			s.logger.Error("authentication backend failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "authentication unavailable"})
		}
		return 0, 0, false
	}

	q := r.URL.Query()
	senderID = userID
	if v := q.Get("sender_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid sender_id"})
			return 0, 0, false
		}
		if id != userID {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "sender_id does not match token"})
			return 0, 0, false
		}
	}

	receiverID, err = strconv.ParseInt(q.Get("receiver_id"), 10, 64)
	if err != nil || receiverID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid receiver_id"})
		return 0, 0, false
	}
	return senderID, receiverID, true
}

// handleHistory returns the conversation with its most recent messages and
// marks the peer's messages read.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	senderID, receiverID, ok := s.readParams(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	convs, err := s.history.History(r.Context(), senderID, receiverID, limit)
	if err != nil {
		s.logger.Error("history query failed", zap.Int64("user_id", senderID), zap.Int64("receiver_id", receiverID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

// handleLast returns the conversation preview with its latest message.
func (s *Server) handleLast(w http.ResponseWriter, r *http.Request) {
	senderID, receiverID, ok := s.readParams(w, r)
	if !ok {
		return
	}

	previews, err := s.history.LastMessage(r.Context(), senderID, receiverID)
	if err != nil {
		s.logger.Error("last message query failed", zap.Int64("user_id", senderID), zap.Int64("receiver_id", receiverID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, previews)
}

type presenceResponse struct {
	UserID      int64  `json:"user_id"`
	Online      bool   `json:"online"`
	Server      string `json:"server,omitempty"`
	ConnectedAt int64  `json:"connected_at,omitempty"`
	LastActive  int64  `json:"last_active,omitempty"`
}

// handlePresence reports whether receiver_id is online. With the Redis mirror
// enabled the answer covers every server; otherwise only this process.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := s.readParams(w, r)
	if !ok {
		return
	}

	resp := presenceResponse{UserID: userID}
	if s.presence != nil {
		e, err := s.presence.Get(r.Context(), userID)
		if err != nil {
			s.logger.Error("presence lookup failed", zap.Int64("user_id", userID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		if e != nil {
			resp.Online = true
			resp.Server = e.Server
			resp.ConnectedAt = e.ConnectedAt
			resp.LastActive = e.LastActive
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if h, found := s.registry.Get(userID); found {
		resp.Online = true
		if c, isConn := h.(*Connection); isConn {
			resp.ConnectedAt = c.CreatedAt().Unix()
			resp.LastActive = c.LastActive().Unix()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
		Database    string `json:"database,omitempty"`
	}{
		Status:      "ok",
		Connections: s.registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	status := http.StatusOK
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}

	writeJSON(w, status, resp)
}
