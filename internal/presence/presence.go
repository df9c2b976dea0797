// Package presence mirrors the set of online users into Redis so that other
// services can see who is connected. The in-process registry stays
// authoritative; this mirror is best effort.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// TTL bounds how long a presence key outlives a crashed server.
	TTL = 1 * time.Hour
)

// Entry is the presence hash stored for an online user.
type Entry struct {
	UserID      int64  `redis:"user_id"`
	Server      string `redis:"server"`       // which WS server instance
	ConnID      string `redis:"conn_id"`      // handle id of the live connection
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// clearIfOwner deletes the key only when it still belongs to the given
// connection, so a stale teardown cannot erase a newer connection's entry.
var clearIfOwner = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// touchIfOwner refreshes last_active and the TTL only while the key still
// belongs to the given connection, so a lingering connection cannot revive
// an entry that was cleared or taken over.
var touchIfOwner = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
	redis.call("HSET", KEYS[1], "last_active", ARGV[2])
	return redis.call("EXPIRE", KEYS[1], ARGV[3])
end
return 0
`)

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

func key(userID int64) string {
	return KeyPrefix + strconv.FormatInt(userID, 10)
}

// SetOnline records connID as userID's live connection on this server.
func (s *Store) SetOnline(ctx context.Context, userID int64, connID string) error {
	k := key(userID)
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, map[string]interface{}{
		"user_id":      userID,
		"server":       s.serverName,
		"conn_id":      connID,
		"connected_at": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, k, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set %d online: %w", userID, err)
	}
	return nil
}

// Touch refreshes last_active and the TTL of userID's entry if it still
// names connID. It reports whether the entry was refreshed.
func (s *Store) Touch(ctx context.Context, userID int64, connID string) (bool, error) {
	n, err := touchIfOwner.Run(ctx, s.client, []string{key(userID)},
		connID, time.Now().Unix(), int64(TTL/time.Second)).Int()
	if err != nil {
		return false, fmt.Errorf("presence: touch %d: %w", userID, err)
	}
	return n == 1, nil
}

// SetOffline removes userID's entry if it still names connID. It reports
// whether an entry was removed.
func (s *Store) SetOffline(ctx context.Context, userID int64, connID string) (bool, error) {
	n, err := clearIfOwner.Run(ctx, s.client, []string{key(userID)}, connID).Int()
	if err != nil {
		return false, fmt.Errorf("presence: set %d offline: %w", userID, err)
	}
	return n == 1, nil
}

// Get returns userID's presence entry, or nil if the user is offline.
func (s *Store) Get(ctx context.Context, userID int64) (*Entry, error) {
	var e Entry
	if err := s.client.HGetAll(ctx, key(userID)).Scan(&e); err != nil {
		return nil, fmt.Errorf("presence: get %d: %w", userID, err)
	}
	if e.ConnID == "" {
		return nil, nil
	}
	return &e, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
