package store

import (
	"context"
	"database/sql"
	"fmt"
)

// DefaultHistoryLimit is used when History is called with a non-positive
// limit.
const DefaultHistoryLimit = 50

// History returns the conversation between senderID and receiverID with its
// limit most recent messages in chronological order. senderID is the user
// reading; as a side effect every message authored by receiverID in the
// conversation is marked read before the slice is loaded. The result holds
// zero or one conversation.
func (s *Store) History(ctx context.Context, senderID, receiverID int64, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	conv, err := findConversation(ctx, tx, s.dialect, senderID, receiverID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return []Conversation{}, nil
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`
		UPDATE messages SET read = ?
		WHERE conversation_id = ? AND user_id = ? AND read = ?`),
		true, conv.ID, receiverID, false,
	); err != nil {
		return nil, fmt.Errorf("store: mark conversation %d read: %w", conv.ID, err)
	}

	conv.Messages, err = recentMessages(ctx, tx, s.dialect, conv.ID, limit)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit history: %w", err)
	}
	return []Conversation{*conv}, nil
}

// LastMessage returns the conversation between senderID and receiverID
// truncated to its latest message. Nothing is marked read.
//
// UnreadCount counts unread messages in the returned slice only, not in the
// whole history: a conversation whose last message is read reports zero even
// if older messages are unread.
func (s *Store) LastMessage(ctx context.Context, senderID, receiverID int64) ([]ConversationPreview, error) {
	conv, err := s.FindConversation(ctx, senderID, receiverID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return []ConversationPreview{}, nil
	}

	conv.Messages, err = recentMessages(ctx, s.db, s.dialect, conv.ID, 1)
	if err != nil {
		return nil, err
	}

	return []ConversationPreview{{
		Conversation: *conv,
		UnreadCount:  countUnread(conv.Messages),
	}}, nil
}

func countUnread(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if !m.Read {
			n++
		}
	}
	return n
}

type rowsQueryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// recentMessages loads the limit newest messages of a conversation, oldest
// first.
func recentMessages(ctx context.Context, q rowsQueryer, d dialect, conversationID int64, limit int) ([]Message, error) {
	rows, err := q.QueryContext(ctx, d.rebind(`
		SELECT id, conversation_id, user_id, body, read, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?`), conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list messages of conversation %d: %w", conversationID, err)
	}
	defer func() { _ = rows.Close() }()

	msgs := make([]Message, 0, min(limit, 64))
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Body, &m.Read, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages of conversation %d: %w", conversationID, err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
