// Package store is the durable conversation store: users, two-party
// conversations and their messages. It runs on PostgreSQL in production and
// on SQLite for development and tests, through the same database/sql code.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Supported driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

var (
	// ErrConversationExists is returned by CreateConversation when another
	// writer already created the conversation for the same pair.
	ErrConversationExists = errors.New("store: conversation already exists")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUnknownUser is returned when a write references a user that does
	// not exist.
	ErrUnknownUser = errors.New("store: unknown user")
)

// User is a registered account. The id is the only key used for routing.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is a two-party chat. SenderID and ReceiverID record who
// started it; lookups are symmetric.
type Conversation struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	CreatedAt  time.Time `json:"created_at"`
	Messages   []Message `json:"messages"`
}

// Message is one chat message. Read is false until the recipient sees it.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"chat_id"`
	UserID         int64     `json:"user_id"`
	Body           string    `json:"message"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationPreview is a conversation truncated to its latest message.
type ConversationPreview struct {
	Conversation
	UnreadCount int `json:"unread_count"`
}

// PairKey returns the unordered pair (a, b) sorted ascending.
func PairKey(a, b int64) (low, high int64) {
	if a <= b {
		return a, b
	}
	return b, a
}

// Store implements the conversation store over database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database. For SQLite the DSN is a file path; busy
// timeout and foreign keys are switched on when the DSN carries no options.
func Open(driver, dsn string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection serializes
		// transactions instead of failing them with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}

	return &Store{db: db, dialect: d}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the database handle, e.g. for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ---------------------------------------------------------------------------
// Dialects
// ---------------------------------------------------------------------------

type dialect struct {
	name                  string
	numbered              bool // $1, $2 ... instead of ?
	isUniqueViolation     func(error) bool
	isForeignKeyViolation func(error) bool
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverPostgres:
		return dialect{
			name:                  driver,
			numbered:              true,
			isUniqueViolation:     pqUniqueViolation,
			isForeignKeyViolation: pqForeignKeyViolation,
		}, nil
	case DriverSQLite:
		return dialect{
			name:                  driver,
			isUniqueViolation:     sqliteUniqueViolation,
			isForeignKeyViolation: sqliteForeignKeyViolation,
		}, nil
	default:
		return dialect{}, fmt.Errorf("store: unsupported driver %q", driver)
	}
}

// rebind rewrites ? placeholders into the dialect's form. Queries in this
// package never contain a literal question mark.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func pqUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func sqliteUniqueViolation(err error) bool {
	var sqErr sqlite3.Error
	return errors.As(err, &sqErr) && sqErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func pqForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

func sqliteForeignKeyViolation(err error) bool {
	var sqErr sqlite3.Error
	return errors.As(err, &sqErr) && sqErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
