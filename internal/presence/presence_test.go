package presence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewStore(mr.Addr(), "ws-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestNewStoreFailsWithoutRedis(t *testing.T) {
	_, err := NewStore("127.0.0.1:1", "ws-test")
	require.Error(t, err)
}

func TestSetOnlineAndGet(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetOnline(ctx, 42, "conn-a"))

	e, err := s.Get(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, int64(42), e.UserID)
	assert.Equal(t, "ws-test", e.Server)
	assert.Equal(t, "conn-a", e.ConnID)
	assert.Equal(t, TTL, mr.TTL(KeyPrefix+"42"))
}

func TestGetOffline(t *testing.T) {
	s, _ := newTestStore(t)
	e, err := s.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestStaleSetOfflineKeepsNewerConnection(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetOnline(ctx, 1, "old"))
	require.NoError(t, s.SetOnline(ctx, 1, "new"))

	removed, err := s.SetOffline(ctx, 1, "old")
	require.NoError(t, err)
	assert.False(t, removed)

	e, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "new", e.ConnID)

	removed, err = s.SetOffline(ctx, 1, "new")
	require.NoError(t, err)
	assert.True(t, removed)

	e, err = s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestTouchRefreshesTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetOnline(ctx, 3, "c"))
	mr.FastForward(TTL / 2)
	touched, err := s.Touch(ctx, 3, "c")
	require.NoError(t, err)
	assert.True(t, touched)
	assert.Equal(t, TTL, mr.TTL(KeyPrefix+"3"))
}

func TestTouchIgnoresOtherConnections(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	touched, err := s.Touch(ctx, 4, "gone")
	require.NoError(t, err)
	assert.False(t, touched)
	assert.False(t, mr.Exists(KeyPrefix+"4"))

	require.NoError(t, s.SetOnline(ctx, 4, "new"))
	mr.FastForward(TTL / 2)
	touched, err = s.Touch(ctx, 4, "old")
	require.NoError(t, err)
	assert.False(t, touched)
	assert.Equal(t, TTL/2, mr.TTL(KeyPrefix+"4"))
}
