package util

import (
	"hash/fnv"
	"sync"
)

// KeyMutex provides per-key exclusive locking over a fixed set of shards,
// so operations on unrelated keys (different order IDs, different symbols)
// proceed in parallel while operations on the same key serialize. Two keys
// may share a shard; that only costs parallelism, never correctness.
type KeyMutex struct {
	shards []sync.Mutex
}

// NewKeyMutex creates a KeyMutex with the given shard count. Counts below 1
// are raised to 1.
func NewKeyMutex(shards int) *KeyMutex {
	if shards < 1 {
		shards = 1
	}
	return &KeyMutex{shards: make([]sync.Mutex, shards)}
}

func (m *KeyMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Lock acquires the shard lock for key.
func (m *KeyMutex) Lock(key string) {
	m.shard(key).Lock()
}

// Unlock releases the shard lock for key.
func (m *KeyMutex) Unlock(key string) {
	m.shard(key).Unlock()
}
