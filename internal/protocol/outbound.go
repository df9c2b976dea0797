package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Values of the outbound "info" discriminator.
const (
	InfoNewMessage   = "new_message"
	InfoChatOpen     = "chat_onopen"
	InfoLeft         = "left"
	InfoUnauthorized = "unauthorized"
	InfoRateLimited  = "rate_limited"
	InfoError        = "error"
)

// Human-readable texts carried by auth-error notices.
const (
	TextUnauthorized = "401 Unauthorized"
	TextNoToken      = "No token"
)

// NewMessageFrame is delivered for every persisted chat message.
type NewMessageFrame struct {
	ID         int64  `json:"id"`
	Message    string `json:"message"`
	ChatID     int64  `json:"chat_id"`
	UserID     int64  `json:"user_id"`
	Read       bool   `json:"read"`
	CreatedAt  string `json:"created_at"`
	ReceiverID int64  `json:"receiver_id"`
	IsActive   bool   `json:"is_active"`
}

// PresenceFrame announces that a user opened the chat view.
type PresenceFrame struct {
	UserID   int64  `json:"user_id"`
	IsActive bool   `json:"is_active"`
	Message  string `json:"message"`
}

// LeftFrame is the disconnect notice for a user whose connection closed.
type LeftFrame struct {
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

// UnauthorizedFrame is broadcast when a handshake fails authentication.
type UnauthorizedFrame struct {
	Message string `json:"message"`
}

// RateLimitedFrame tells a sender to slow down.
type RateLimitedFrame struct {
	RetryAfter int `json:"retry_after"`
}

// ErrorFrame reports a rejected request to its sender.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FormatTime renders a creation timestamp as ISO-8601 in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewPresenceFrame builds the chat_onopen notice for userID.
func NewPresenceFrame(userID int64) PresenceFrame {
	return PresenceFrame{
		UserID:   userID,
		IsActive: true,
		Message:  fmt.Sprintf("%s %d is active", ReservedChatOpen, userID),
	}
}

// NewLeftFrame builds the disconnect notice for userID.
func NewLeftFrame(userID int64) LeftFrame {
	return LeftFrame{
		UserID:  userID,
		Message: fmt.Sprintf("%d left chats area", userID),
	}
}

// NewServerFrame encodes payload as a JSON object and sets its "info" key.
func NewServerFrame(info string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	// UseNumber keeps 64-bit ids exact through the round trip.
	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{}, 1)
	}
	m["info"] = info

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server frame: %w", err)
	}
	return out, nil
}
