package delivery

import (
	"go.uber.org/zap"

	"github.com/duet/chat-server/internal/protocol"
)

// Presence and auth notices go to every connection. Chat messages never take
// this path; they are sent to their two participants only.

// AnnouncePresence broadcasts that userID opened the chat view.
func (r *Router) AnnouncePresence(userID int64) {
	r.broadcast(protocol.InfoChatOpen, protocol.NewPresenceFrame(userID), userID)
}

// AnnounceLeft broadcasts the disconnect notice for userID.
func (r *Router) AnnounceLeft(userID int64) {
	r.broadcast(protocol.InfoLeft, protocol.NewLeftFrame(userID), userID)
}

// AnnounceUnauthorized broadcasts that a handshake was refused. text is
// protocol.TextUnauthorized or protocol.TextNoToken.
func (r *Router) AnnounceUnauthorized(text string) {
	r.broadcast(protocol.InfoUnauthorized, protocol.UnauthorizedFrame{Message: text}, 0)
}

func (r *Router) broadcast(info string, payload interface{}, userID int64) {
	frame, err := protocol.NewServerFrame(info, payload)
	if err != nil {
		r.logger.Error("encode notice failed", zap.String("info", info), zap.Error(err))
		return
	}

	n := r.registry.BroadcastAll(frame)
	r.logger.Debug("notice broadcast", zap.String("info", info), zap.Int64("user_id", userID), zap.Int("delivered", n))

	if r.publisher != nil && userID != 0 {
		if err := r.publisher.PublishPresence(userID, frame); err != nil {
			r.logger.Warn("publish presence event failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
}
