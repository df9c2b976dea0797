package delivery

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/duet/chat-server/internal/store"
)

const pairLockShards = 256

// pairLocks serializes work per unordered pair of users. Pairs are hashed
// onto a fixed set of mutexes, so unrelated pairs occasionally share one.
type pairLocks struct {
	shards [pairLockShards]sync.Mutex
}

// lock acquires the mutex for {a, b} and returns its unlock function.
func (p *pairLocks) lock(a, b int64) func() {
	m := &p.shards[shardOf(a, b)]
	m.Lock()
	return m.Unlock
}

func shardOf(a, b int64) uint32 {
	low, high := store.PairKey(a, b)
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(low))
	binary.LittleEndian.PutUint64(buf[8:], uint64(high))
	h := fnv.New32a()
	_, _ = h.Write(buf[:])
	return h.Sum32() % pairLockShards
}
