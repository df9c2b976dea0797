// Package protocol defines the WebSocket frames exchanged between clients and
// the chat server. Inbound frames are decoded into a closed Event variant;
// outbound frames are JSON objects carrying an "info" discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Reserved values of the inbound "message" field. Any other value is chat
// content.
const (
	ReservedChatOpen       = "chat_onopen"
	ReservedReceiverActive = "receiver_active"
	ReservedChatClose      = "chat_onclose"
)

// Kind tags an inbound Event.
type Kind int

const (
	// KindUnrecognized covers reserved values the server does not act on.
	KindUnrecognized Kind = iota
	// KindPresenceOpen announces that the sender opened the chat view.
	KindPresenceOpen
	// KindPresenceActiveQuery asks whether the receiver is active.
	KindPresenceActiveQuery
	// KindChatMessage carries chat content to be persisted and delivered.
	KindChatMessage
)

func (k Kind) String() string {
	switch k {
	case KindPresenceOpen:
		return "presence-open"
	case KindPresenceActiveQuery:
		return "presence-active-query"
	case KindChatMessage:
		return "chat-message"
	default:
		return "unrecognized"
	}
}

// ErrMalformedFrame is returned for frames that are not a JSON object with
// "message", "sender_id" and "receiver_id".
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Event is a decoded inbound frame.
type Event struct {
	Kind       Kind
	SenderID   int64
	ReceiverID int64
	Body       string // chat content; the reserved literal for presence kinds
}

// inboundFrame mirrors the wire shape. Pointers distinguish a missing field
// from its zero value.
type inboundFrame struct {
	Message    *string `json:"message"`
	SenderID   *int64  `json:"sender_id"`
	ReceiverID *int64  `json:"receiver_id"`
}

// ParseInbound decodes one client frame:
//
//	{"message": string, "sender_id": int, "receiver_id": int}
//
// The Kind is derived from the reserved values of "message".
func ParseInbound(data []byte) (Event, error) {
	var f inboundFrame
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&f); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Event{}, fmt.Errorf("%w: trailing data after object", ErrMalformedFrame)
	}
	switch {
	case f.Message == nil:
		return Event{}, fmt.Errorf("%w: missing \"message\"", ErrMalformedFrame)
	case f.SenderID == nil:
		return Event{}, fmt.Errorf("%w: missing \"sender_id\"", ErrMalformedFrame)
	case f.ReceiverID == nil:
		return Event{}, fmt.Errorf("%w: missing \"receiver_id\"", ErrMalformedFrame)
	}

	return Event{
		Kind:       kindOf(*f.Message),
		SenderID:   *f.SenderID,
		ReceiverID: *f.ReceiverID,
		Body:       *f.Message,
	}, nil
}

func kindOf(message string) Kind {
	switch message {
	case ReservedChatOpen:
		return KindPresenceOpen
	case ReservedReceiverActive:
		return KindPresenceActiveQuery
	case ReservedChatClose:
		return KindUnrecognized
	default:
		return KindChatMessage
	}
}
