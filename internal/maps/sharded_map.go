package maps

import (
	"sync"
)

const (
	shardBits = 6
	numShards = 1 << shardBits
)

type shard[K Integer, V any] struct {
	sync.RWMutex
	m map[K]V
}

// ShardedMap splits wait keys and thread ids over a fixed array of
// RWMutex-protected shards. Update holds the key's shard lock for the whole
// read-modify-write, which serializes a wait queue's enqueue and notify.
//
// Keys are spread by a multiplicative hash: word addresses are 8-byte aligned
// and would otherwise all land in every eighth shard.
type ShardedMap[K Integer, V any] struct {
	shards [numShards]shard[K, V]
}

// NewShardedMap returns an empty ShardedMap.
func NewShardedMap[K Integer, V any]() ConcurrentMap[K, V] {
	m := &ShardedMap[K, V]{}
	for i := 0; i < numShards; i++ {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

func (m *ShardedMap[K, V]) shardFor(key K) *shard[K, V] {
	// Fibonacci hashing: top bits of key * 2^64/phi.
	h := uint64(key) * 0x9E3779B97F4A7C15
	return &m.shards[h>>(64-shardBits)]
}

func (m *ShardedMap[K, V]) Load(key K) (V, bool) {
	s := m.shardFor(key)
	s.RLock()
	defer s.RUnlock()
	val, exists := s.m[key]
	return val, exists
}

func (m *ShardedMap[K, V]) Store(key K, value V) {
	s := m.shardFor(key)
	s.Lock()
	defer s.Unlock()
	s.m[key] = value
}

func (m *ShardedMap[K, V]) Delete(key K) {
	s := m.shardFor(key)
	s.Lock()
	defer s.Unlock()
	delete(s.m, key)
}

func (m *ShardedMap[K, V]) LoadAndDelete(key K) (V, bool) {
	s := m.shardFor(key)
	s.Lock()
	defer s.Unlock()
	val, exists := s.m[key]
	if exists {
		delete(s.m, key)
	}
	return val, exists
}

// LoadOrStore returns the value under key, creating it with valueFactory
// when absent. loaded reports whether it already existed.
func (m *ShardedMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	s := m.shardFor(key)
	s.RLock()
	val, exists := s.m[key]
	s.RUnlock()
	if exists {
		return val, true
	}

	s.Lock()
	defer s.Unlock()
	if val, exists := s.m[key]; exists {
		return val, true
	}
	val = valueFactory()
	s.m[key] = val
	return val, false
}

// Update runs updateFunc under the key's shard lock. Returning keep == false
// deletes the entry. updateFunc must not call back into the map.
func (m *ShardedMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	s := m.shardFor(key)
	s.Lock()
	defer s.Unlock()
	oldVal, exists := s.m[key]
	newVal, keep := updateFunc(oldVal, exists)
	if keep {
		s.m[key] = newVal
	} else if exists {
		delete(s.m, key)
	}
}

// Range calls f on a snapshot of each shard, without holding its lock, so f
// may use the map.
func (m *ShardedMap[K, V]) Range(f func(key K, value V) bool) {
	for i := 0; i < numShards; i++ {
		s := &m.shards[i]
		s.RLock()
		keys := make([]K, 0, len(s.m))
		values := make([]V, 0, len(s.m))
		for k, v := range s.m {
			keys = append(keys, k)
			values = append(values, v)
		}
		s.RUnlock()

		for j := range keys {
			if !f(keys[j], values[j]) {
				return
			}
		}
	}
}

func (m *ShardedMap[K, V]) Len() int {
	n := 0
	for i := 0; i < numShards; i++ {
		s := &m.shards[i]
		s.RLock()
		n += len(s.m)
		s.RUnlock()
	}
	return n
}
