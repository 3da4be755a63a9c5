// Package syncutil provides small concurrency helpers shared across the
// stateful services.
package syncutil

import "sync"

// shardCount must be a power of two so the hash can be masked instead of
// taking a modulo.
const shardCount = 128

// ShardedMutex is a fixed pool of mutexes keyed by string. Memory stays
// bounded no matter how many distinct keys pass through, at the cost of
// occasional false sharing when two keys land on the same shard. The zero
// value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns the matching unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[fnv1a(key)&(shardCount-1)]
	mu.Lock()
	return mu.Unlock
}

// fnv1a hashes the key inline; hash/fnv would allocate a hash.Hash32 per
// call, and Lock sits on the hot path of every authorization.
func fnv1a(key string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime32
	}
	return h
}
