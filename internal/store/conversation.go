package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FindConversation returns the conversation between a and b regardless of
// who started it. It returns nil, nil when none exists.
func (s *Store) FindConversation(ctx context.Context, a, b int64) (*Conversation, error) {
	return findConversation(ctx, s.db, s.dialect, a, b)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func findConversation(ctx context.Context, q queryer, d dialect, a, b int64) (*Conversation, error) {
	low, high := PairKey(a, b)

	var c Conversation
	err := q.QueryRowContext(ctx, d.rebind(`
		SELECT id, sender_id, receiver_id, created_at
		FROM conversations
		WHERE user_low = ? AND user_high = ?`), low, high,
	).Scan(&c.ID, &c.SenderID, &c.ReceiverID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find conversation %d/%d: %w", low, high, err)
	}
	return &c, nil
}

// CreateConversation creates the conversation between senderID and
// receiverID together with its first message in one transaction. If another
// writer won the race for the pair, nothing is written and
// ErrConversationExists is returned; the caller should append instead.
func (s *Store) CreateConversation(ctx context.Context, senderID, receiverID int64, body string, read bool, at time.Time) (*Conversation, *Message, error) {
	low, high := PairKey(senderID, receiverID)
	at = at.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	conv := &Conversation{SenderID: senderID, ReceiverID: receiverID, CreatedAt: at}
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`
		INSERT INTO conversations (sender_id, receiver_id, user_low, user_high, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		senderID, receiverID, low, high, at,
	).Scan(&conv.ID)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return nil, nil, ErrConversationExists
		}
		if s.dialect.isForeignKeyViolation(err) {
			return nil, nil, fmt.Errorf("%w: conversation %d/%d", ErrUnknownUser, senderID, receiverID)
		}
		return nil, nil, fmt.Errorf("store: insert conversation: %w", err)
	}

	msg, err := insertMessage(ctx, tx, s.dialect, conv.ID, senderID, body, read, at)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		if s.dialect.isUniqueViolation(err) {
			return nil, nil, ErrConversationExists
		}
		return nil, nil, fmt.Errorf("store: commit conversation: %w", err)
	}

	conv.Messages = []Message{*msg}
	return conv, msg, nil
}

// AppendMessage adds a message authored by authorID to an existing
// conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID, authorID int64, body string, read bool, at time.Time) (*Message, error) {
	return insertMessage(ctx, s.db, s.dialect, conversationID, authorID, body, read, at.UTC())
}

func insertMessage(ctx context.Context, q queryer, d dialect, conversationID, authorID int64, body string, read bool, at time.Time) (*Message, error) {
	msg := &Message{
		ConversationID: conversationID,
		UserID:         authorID,
		Body:           body,
		Read:           read,
		CreatedAt:      at,
	}
	err := q.QueryRowContext(ctx, d.rebind(`
		INSERT INTO messages (conversation_id, user_id, body, read, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		conversationID, authorID, body, read, at,
	).Scan(&msg.ID)
	if err != nil {
		if d.isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: message by %d in conversation %d", ErrUnknownUser, authorID, conversationID)
		}
		return nil, fmt.Errorf("store: insert message into conversation %d: %w", conversationID, err)
	}
	return msg, nil
}
