// Package syncutil provides keyed locking for per-entity serialization.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used when NewKeyMutex is given n <= 0.
const DefaultShards = 256

// KeyMutex serializes work per key using a fixed pool of channel-backed
// locks. Memory stays bounded however many keys are seen; two keys that
// hash to the same shard serialize with each other but never deadlock.
type KeyMutex struct {
	shards []chan struct{}
}

// NewKeyMutex creates a KeyMutex with n shards.
func NewKeyMutex(n int) *KeyMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock blocks until the lock for key is held or ctx is done. On success the
// returned function releases the lock and must be called exactly once.
func (m *KeyMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.index(key)]

	// Fail fast on an already-cancelled context even if the lock is free.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyMutex) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
