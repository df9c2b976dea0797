// Package registry tracks which users hold a live connection and fans
// outbound frames out to them. It is the single source of truth for "is user
// X online" within this process.
package registry

import (
	"sync"

	"go.uber.org/zap"
)

// Handle is a live bidirectional connection owned by the registry from a
// successful authenticated upgrade until disconnect.
type Handle interface {
	ID() string
	WriteMessage(data []byte) error
	Close() error
}

// Entry is one (user, handle) pair as returned by All.
type Entry struct {
	UserID int64
	Handle Handle
}

// Registry maps online user ids to their current connection. A second
// connection for the same user replaces the first (last-connect-wins).
type Registry struct {
	mu       sync.RWMutex
	byUser   map[int64]Handle
	byHandle map[string]int64 // handle id -> user id, for Disconnect
	onEvict  func(userID int64, h Handle)
	logger   *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byUser:   make(map[int64]Handle),
		byHandle: make(map[string]int64),
		logger:   logger.Named("registry"),
	}
}

// SetOnEvict registers a callback run after a handle is dropped because a
// write to it failed. It is not called for Disconnect or Drain.
func (r *Registry) SetOnEvict(fn func(userID int64, h Handle)) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

// Connect records h as userID's connection and returns the handle it
// replaced, if any. The replaced handle is not closed here; its own read loop
// ends on the next failed read or write.
func (r *Registry) Connect(userID int64, h Handle) Handle {
	r.mu.Lock()
	// A handle belongs to exactly one identity.
	if owner, ok := r.byHandle[h.ID()]; ok && owner != userID {
		delete(r.byUser, owner)
	}
	prior := r.byUser[userID]
	if prior != nil && prior.ID() != h.ID() {
		delete(r.byHandle, prior.ID())
	}
	r.byUser[userID] = h
	r.byHandle[h.ID()] = userID
	n := len(r.byUser)
	r.mu.Unlock()

	if prior != nil && prior.ID() != h.ID() {
		r.logger.Info("connection replaced",
			zap.Int64("user_id", userID),
			zap.String("old_conn", prior.ID()),
			zap.String("new_conn", h.ID()))
		return prior
	}
	r.logger.Debug("connected", zap.Int64("user_id", userID), zap.String("conn", h.ID()), zap.Int("online", n))
	return nil
}

// Disconnect removes h's entry if h is still the current connection of its
// user. It returns the user id and true when an entry was removed; a late
// teardown of a replaced handle is a no-op returning false.
func (r *Registry) Disconnect(h Handle) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byHandle[h.ID()]
	if !ok {
		return 0, false
	}
	delete(r.byHandle, h.ID())

	current, ok := r.byUser[userID]
	if !ok || current.ID() != h.ID() {
		return 0, false
	}
	delete(r.byUser, userID)
	return userID, true
}

// IsOnline reports whether userID currently holds a connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	_, ok := r.byUser[userID]
	r.mu.RUnlock()
	return ok
}

// Get returns userID's current connection.
func (r *Registry) Get(userID int64) (Handle, bool) {
	r.mu.RLock()
	h, ok := r.byUser[userID]
	r.mu.RUnlock()
	return h, ok
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of every entry. The slice is safe to iterate without
// holding the lock.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.byUser))
	for userID, h := range r.byUser {
		entries = append(entries, Entry{UserID: userID, Handle: h})
	}
	r.mu.RUnlock()
	return entries
}

// Drain closes every registered handle and empties the registry. It is
// called once at shutdown and returns how many handles were closed.
func (r *Registry) Drain() int {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.byUser))
	for _, h := range r.byUser {
		handles = append(handles, h)
	}
	r.byUser = make(map[int64]Handle)
	r.byHandle = make(map[string]int64)
	r.mu.Unlock()

	for _, h := range handles {
		if err := h.Close(); err != nil {
			r.logger.Debug("close on drain failed", zap.String("conn", h.ID()), zap.Error(err))
		}
	}
	return len(handles)
}
