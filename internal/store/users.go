package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateUser inserts u and returns it with its assigned id. Credentials are
// managed elsewhere; this only records the routing identity.
func (s *Store) CreateUser(ctx context.Context, u User) (*User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		INSERT INTO users (username, email, full_name, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		u.Username, u.Email, u.FullName, u.IsActive, u.CreatedAt,
	).Scan(&u.ID)
	if err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return &u, nil
}

// GetUser returns the user with the given id, or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT id, username, email, full_name, is_active, created_at
		FROM users
		WHERE id = ?`), id,
	).Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %d: %w", id, err)
	}
	return &u, nil
}
