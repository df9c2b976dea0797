package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func TestParseInbound_Kinds(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    Kind
	}{
		{"chat content", "hi", KindChatMessage},
		{"presence open", ReservedChatOpen, KindPresenceOpen},
		{"active query", ReservedReceiverActive, KindPresenceActiveQuery},
		{"chat close is not acted on", ReservedChatClose, KindUnrecognized},
		{"prefix of reserved word is content", "chat_onopen please", KindChatMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(map[string]interface{}{
				"message": tt.message, "sender_id": 1, "receiver_id": 2,
			})
			require.NoError(t, err)

			ev, err := ParseInbound(data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Kind)
			assert.Equal(t, int64(1), ev.SenderID)
			assert.Equal(t, int64(2), ev.ReceiverID)
			assert.Equal(t, tt.message, ev.Body)
		})
	}
}

func TestParseInbound_Malformed(t *testing.T) {
	inputs := map[string]string{
		"not json":         `hello`,
		"array":            `[1,2]`,
		"missing message":  `{"sender_id":1,"receiver_id":2}`,
		"missing sender":   `{"message":"hi","receiver_id":2}`,
		"missing receiver": `{"message":"hi","sender_id":1}`,
		"string sender id": `{"message":"hi","sender_id":"1","receiver_id":2}`,
		"fractional id":    `{"message":"hi","sender_id":1.5,"receiver_id":2}`,
		"non-string body":  `{"message":7,"sender_id":1,"receiver_id":2}`,
		"trailing garbage": `{"message":"hi","sender_id":1,"receiver_id":2} garbage`,
		"two objects":      `{"message":"hi","sender_id":1,"receiver_id":2}{"message":"x"}`,
	}

	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInbound([]byte(in))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFrame), "got %v", err)
		})
	}
}

func TestParseInbound_TrailingWhitespaceIsAccepted(t *testing.T) {
	ev, err := ParseInbound([]byte("{\"message\":\"hi\",\"sender_id\":1,\"receiver_id\":2}\n "))
	require.NoError(t, err)
	assert.Equal(t, "hi", ev.Body)
}

func TestParseInbound_EmptyMessageIsChat(t *testing.T) {
	ev, err := ParseInbound([]byte(`{"message":"","sender_id":1,"receiver_id":2}`))
	require.NoError(t, err)
	assert.Equal(t, KindChatMessage, ev.Kind)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "chat-message", KindChatMessage.String())
	assert.Equal(t, "presence-open", KindPresenceOpen.String())
	assert.Equal(t, "unrecognized", Kind(42).String())
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

func TestNewServerFrame_NewMessage(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	data, err := NewServerFrame(InfoNewMessage, NewMessageFrame{
		ID:         1 << 60,
		Message:    "hi",
		ChatID:     3,
		UserID:     1,
		Read:       true,
		CreatedAt:  FormatTime(created),
		ReceiverID: 2,
		IsActive:   true,
	})
	require.NoError(t, err)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &got))

	assert.JSONEq(t, `"new_message"`, string(got["info"]))
	assert.Equal(t, "1152921504606846976", string(got["id"]))
	assert.JSONEq(t, `"hi"`, string(got["message"]))
	assert.JSONEq(t, `3`, string(got["chat_id"]))
	assert.JSONEq(t, `1`, string(got["user_id"]))
	assert.JSONEq(t, `true`, string(got["read"]))
	assert.JSONEq(t, `"2024-05-01T12:30:00Z"`, string(got["created_at"]))
	assert.JSONEq(t, `2`, string(got["receiver_id"]))
	assert.JSONEq(t, `true`, string(got["is_active"]))
}

func TestNewServerFrame_OverridesInfo(t *testing.T) {
	payload := struct {
		Info string `json:"info"`
	}{Info: "spoofed"}

	data, err := NewServerFrame(InfoError, payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"info":"error"}`, string(data))
}

func TestNewServerFrame_RejectsNonObject(t *testing.T) {
	_, err := NewServerFrame(InfoError, []int{1})
	require.Error(t, err)
}

func TestNoticeFrames(t *testing.T) {
	data, err := NewServerFrame(InfoChatOpen, NewPresenceFrame(7))
	require.NoError(t, err)
	assert.JSONEq(t, `{"info":"chat_onopen","user_id":7,"is_active":true,"message":"chat_onopen 7 is active"}`, string(data))

	data, err = NewServerFrame(InfoLeft, NewLeftFrame(7))
	require.NoError(t, err)
	assert.JSONEq(t, `{"info":"left","user_id":7,"message":"7 left chats area"}`, string(data))

	data, err = NewServerFrame(InfoUnauthorized, UnauthorizedFrame{Message: TextNoToken})
	require.NoError(t, err)
	assert.JSONEq(t, `{"info":"unauthorized","message":"No token"}`, string(data))
}

func TestFormatTimeIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2024, 1, 1, 2, 0, 0, 500, loc)
	assert.Equal(t, "2024-01-01T00:00:00.0000005Z", FormatTime(ts))
}
