package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeHandle records frames written to it and can be told to fail writes.
type fakeHandle struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func newFakeHandle(id string) *fakeHandle { return &fakeHandle{id: id} }

func (f *fakeHandle) ID() string { return f.id }

func (f *fakeHandle) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeHandle) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(zaptest.NewLogger(t))
}

// ---------------------------------------------------------------------------
// Connect / Disconnect
// ---------------------------------------------------------------------------

func TestConnectAndLookup(t *testing.T) {
	r := newTestRegistry(t)
	h := newFakeHandle("h1")

	assert.False(t, r.IsOnline(1))
	assert.Nil(t, r.Connect(1, h))

	assert.True(t, r.IsOnline(1))
	got, ok := r.Get(1)
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, r.Count())
}

func TestLastConnectWins(t *testing.T) {
	r := newTestRegistry(t)
	h1 := newFakeHandle("h1")
	h2 := newFakeHandle("h2")

	r.Connect(1, h1)
	prior := r.Connect(1, h2)
	assert.Same(t, h1, prior)
	assert.False(t, h1.isClosed(), "registry must not close the replaced handle")

	got, ok := r.Get(1)
	require.True(t, ok)
	assert.Same(t, h2, got)

	// Late teardown of the replaced handle must not remove the new entry.
	_, removed := r.Disconnect(h1)
	assert.False(t, removed)
	got, ok = r.Get(1)
	require.True(t, ok)
	assert.Same(t, h2, got)

	userID, removed := r.Disconnect(h2)
	assert.True(t, removed)
	assert.Equal(t, int64(1), userID)
	assert.False(t, r.IsOnline(1))
}

func TestDisconnectUnknownHandle(t *testing.T) {
	r := newTestRegistry(t)
	_, removed := r.Disconnect(newFakeHandle("ghost"))
	assert.False(t, removed)
}

func TestDisconnectTwice(t *testing.T) {
	r := newTestRegistry(t)
	h := newFakeHandle("h1")
	r.Connect(5, h)

	_, first := r.Disconnect(h)
	_, second := r.Disconnect(h)
	assert.True(t, first)
	assert.False(t, second)
}

func TestReconnectSameHandleIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	h := newFakeHandle("h1")

	r.Connect(1, h)
	assert.Nil(t, r.Connect(1, h))
	assert.Equal(t, 1, r.Count())
}

func TestHandleMovedToAnotherUser(t *testing.T) {
	r := newTestRegistry(t)
	h := newFakeHandle("h1")

	r.Connect(1, h)
	r.Connect(2, h)

	assert.False(t, r.IsOnline(1))
	assert.True(t, r.IsOnline(2))
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	r := newTestRegistry(t)
	const users = 50
	const rounds = 20

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				h := newFakeHandle(fmt.Sprintf("u%d-%d", userID, i))
				r.Connect(userID, h)
				_ = r.IsOnline(userID)
				if i%2 == 0 {
					r.Disconnect(h)
				}
			}
		}(int64(u))
	}

	// Same identity from many goroutines.
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := newFakeHandle(fmt.Sprintf("shared-%d", i))
			r.Connect(1000, h)
			r.Disconnect(h)
		}(i)
	}
	wg.Wait()

	// Every user ended on an odd round, which left its handle registered.
	for u := 0; u < users; u++ {
		assert.True(t, r.IsOnline(int64(u)), "user %d", u)
	}
	for _, e := range r.All() {
		got, ok := r.Get(e.UserID)
		require.True(t, ok)
		assert.Equal(t, e.Handle.ID(), got.ID())
	}
}

func TestDrainClosesEverything(t *testing.T) {
	r := newTestRegistry(t)
	h1, h2 := newFakeHandle("h1"), newFakeHandle("h2")
	r.Connect(1, h1)
	r.Connect(2, h2)

	assert.Equal(t, 2, r.Drain())
	assert.Equal(t, 0, r.Count())
	assert.True(t, h1.isClosed())
	assert.True(t, h2.isClosed())

	_, removed := r.Disconnect(h1)
	assert.False(t, removed)
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

func TestSendToOfflineDrops(t *testing.T) {
	r := newTestRegistry(t)
	assert.NoError(t, r.SendTo(42, []byte(`{}`)))
}

func TestSendToDelivers(t *testing.T) {
	r := newTestRegistry(t)
	h := newFakeHandle("h1")
	r.Connect(1, h)

	require.NoError(t, r.SendTo(1, []byte(`{"a":1}`)))
	assert.Equal(t, 1, h.received())
}

func TestSendToFailureEvicts(t *testing.T) {
	r := newTestRegistry(t)
	h := newFakeHandle("h1")
	h.fail = true
	r.Connect(1, h)

	var evicted []int64
	r.SetOnEvict(func(userID int64, _ Handle) { evicted = append(evicted, userID) })

	assert.Error(t, r.SendTo(1, []byte(`{}`)))
	assert.False(t, r.IsOnline(1))
	assert.True(t, h.isClosed())
	assert.Equal(t, []int64{1}, evicted)
}

func TestBroadcastAllSurvivesFailures(t *testing.T) {
	r := newTestRegistry(t)
	good1, bad, good2 := newFakeHandle("g1"), newFakeHandle("bad"), newFakeHandle("g2")
	bad.fail = true
	r.Connect(1, good1)
	r.Connect(2, bad)
	r.Connect(3, good2)

	var mu sync.Mutex
	var evicted []int64
	r.SetOnEvict(func(userID int64, _ Handle) {
		mu.Lock()
		evicted = append(evicted, userID)
		mu.Unlock()
	})

	delivered := r.BroadcastAll([]byte(`{"info":"chat_onopen"}`))

	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, good1.received())
	assert.Equal(t, 1, good2.received())
	assert.False(t, r.IsOnline(2))
	assert.True(t, bad.isClosed())
	assert.Equal(t, []int64{2}, evicted)
}

func TestEvictionOfReplacedHandleDoesNotNotify(t *testing.T) {
	r := newTestRegistry(t)
	old := newFakeHandle("old")
	old.fail = true
	r.Connect(1, old)

	notified := false
	r.SetOnEvict(func(int64, Handle) { notified = true })

	fresh := newFakeHandle("fresh")
	r.Connect(1, fresh)

	// A failed write on the stale handle only closes it.
	r.evict(old, errors.New("boom"))
	assert.False(t, notified)
	assert.True(t, r.IsOnline(1))
}
