package registry

import (
	"go.uber.org/zap"

	"github.com/duet/chat-server/internal/metrics"
)

// SendTo writes frame to userID's connection. An offline user is not an
// error: the frame is dropped. A failed write drops the handle from the
// registry, closes it and returns the write error.
func (r *Registry) SendTo(userID int64, frame []byte) error {
	h, ok := r.Get(userID)
	if !ok {
		return nil
	}
	if err := h.WriteMessage(frame); err != nil {
		r.evict(h, err)
		return err
	}
	return nil
}

// BroadcastAll writes frame to every registered connection and returns the
// number of successful writes. A failure on one handle evicts that handle
// and does not stop delivery to the rest.
func (r *Registry) BroadcastAll(frame []byte) int {
	delivered := 0
	for _, e := range r.All() {
		if err := e.Handle.WriteMessage(frame); err != nil {
			r.evict(e.Handle, err)
			continue
		}
		delivered++
	}
	return delivered
}

// evict runs the disconnect path for a handle whose write failed.
func (r *Registry) evict(h Handle, cause error) {
	metrics.FanoutFailures.Inc()
	userID, removed := r.Disconnect(h)
	_ = h.Close()
	if !removed {
		return
	}

	r.logger.Warn("evicted connection after failed write",
		zap.Int64("user_id", userID),
		zap.String("conn", h.ID()),
		zap.Error(cause))

	r.mu.RLock()
	onEvict := r.onEvict
	r.mu.RUnlock()
	if onEvict != nil {
		onEvict(userID, h)
	}
}
