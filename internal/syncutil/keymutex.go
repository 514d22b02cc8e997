// Package syncutil provides locking helpers for in-process coordination.
package syncutil

import (
	"context"
	"hash/fnv"
	"strconv"
)

const shardCount = 256

// KeyMutex is a fixed pool of channel-based mutexes keyed by id. Memory is
// bounded regardless of how many keys are seen; keys that hash to the same
// shard share a lock. Waiters can give up when their context is cancelled.
type KeyMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyMutex creates an unlocked KeyMutex.
func NewKeyMutex() *KeyMutex {
	m := &KeyMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the mutex for id. On success it returns an unlock function
// the caller must call; on cancellation it returns ctx.Err().
func (m *KeyMutex) Lock(ctx context.Context, id int64) (func(), error) {
	shard := m.shards[shardIndex(id)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex for id only if it is free.
func (m *KeyMutex) TryLock(id int64) (func(), bool) {
	shard := m.shards[shardIndex(id)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, true
	default:
		return nil, false
	}
}

func shardIndex(id int64) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(strconv.AppendInt(nil, id, 10))
	return h.Sum32() % shardCount
}
