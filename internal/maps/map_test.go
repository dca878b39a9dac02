package maps

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
)

// --- Functional tests ---

func atomicBackends[V any]() map[string]func() ConcurrentMap[uint64, V] {
	return map[string]func() ConcurrentMap[uint64, V]{
		"xsync":   func() ConcurrentMap[uint64, V] { return NewConcurrentMap[uint64, V](XSync) },
		"sharded": func() ConcurrentMap[uint64, V] { return NewConcurrentMap[uint64, V](Sharded) },
	}
}

func TestUpdateIsAtomicPerKey(t *testing.T) {
	for name, newMap := range atomicBackends[int]() {
		t.Run(name, func(t *testing.T) {
			m := newMap()
			const workers, rounds = 16, 500
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < rounds; j++ {
						m.Update(0x1000, func(v int, exists bool) (int, bool) {
							return v + 1, true
						})
					}
				}()
			}
			wg.Wait()
			if v, _ := m.Load(0x1000); v != workers*rounds {
				t.Errorf("Expected %d, got %d", workers*rounds, v)
			}
		})
	}
}

func TestUpdateDeletesWhenNotKept(t *testing.T) {
	for name, newMap := range atomicBackends[int]() {
		t.Run(name, func(t *testing.T) {
			m := newMap()
			m.Store(8, 1)
			m.Update(8, func(v int, exists bool) (int, bool) {
				if !exists {
					t.Error("Expected key to exist")
				}
				return 0, false
			})
			if _, ok := m.Load(8); ok {
				t.Error("Expected key to be deleted")
			}
			// Deleting an absent key is a no-op.
			m.Update(16, func(v int, exists bool) (int, bool) { return 0, false })
			if m.Len() != 0 {
				t.Errorf("Expected empty map, got %d entries", m.Len())
			}
		})
	}
}

func TestLoadOrStoreReportsLoaded(t *testing.T) {
	for name, newMap := range atomicBackends[int]() {
		t.Run(name, func(t *testing.T) {
			m := newMap()
			v, loaded := m.LoadOrStore(1, func() int { return 42 })
			if loaded || v != 42 {
				t.Errorf("Expected (42, false), got (%d, %v)", v, loaded)
			}
			v, loaded = m.LoadOrStore(1, func() int { return 7 })
			if !loaded || v != 42 {
				t.Errorf("Expected (42, true), got (%d, %v)", v, loaded)
			}
			if v, ok := m.LoadAndDelete(1); !ok || v != 42 {
				t.Errorf("Expected LoadAndDelete to return 42, got (%d, %v)", v, ok)
			}
		})
	}
}

func TestLookupMap(t *testing.T) {
	m := NewLookupMap[uint64, string]()
	m.Store(1, "a")
	m.Store(2, "b")
	if v, ok := m.Load(2); !ok || v != "b" {
		t.Errorf("Expected b, got %q", v)
	}
	m.Delete(1)
	if _, ok := m.Load(1); ok {
		t.Error("Expected key 1 to be deleted")
	}
	seen := 0
	m.Range(func(k uint64, v string) bool {
		seen++
		return true
	})
	if seen != 1 || m.Len() != 1 {
		t.Errorf("Expected 1 entry, ranged %d, len %d", seen, m.Len())
	}
}

const (
	keySpace = 1024
)

// --- RWMutexMap (Benchmark Baseline Only) ---

type RWMutexMap[K Integer, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func NewRWMutexMap[K Integer, V any]() ConcurrentMap[K, V] {
	return &RWMutexMap[K, V]{m: make(map[K]V)}
}
func (m *RWMutexMap[K, V]) Load(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.m[key]
	return val, ok
}
func (m *RWMutexMap[K, V]) Store(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = value
}
func (m *RWMutexMap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
}
func (m *RWMutexMap[K, V]) LoadAndDelete(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, exists := m.m[key]
	if exists {
		delete(m.m, key)
	}
	return val, exists
}
func (m *RWMutexMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	m.mu.RLock()
	val, ok := m.m[key]
	m.mu.RUnlock()
	if ok {
		return val, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check in case another goroutine created it while we were waiting for the lock.
	val, ok = m.m[key]
	if ok {
		return val, true
	}
	val = valueFactory()
	m.m[key] = val
	return val, false
}
func (m *RWMutexMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldVal, exists := m.m[key]
	newVal, keep := updateFunc(oldVal, exists)
	if keep {
		m.m[key] = newVal
	} else {
		delete(m.m, key)
	}
}
func (m *RWMutexMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}
func (m *RWMutexMap[K, V]) Range(f func(key K, value V) bool) {
	m.mu.RLock()
	copiedMap := make(map[K]V, len(m.m))
	for k, v := range m.m {
		copiedMap[k] = v
	}
	m.mu.RUnlock()

	for k, v := range copiedMap {
		if !f(k, v) {
			return
		}
	}
}

// --- Benchmark Runners ---

// runMixedWorkloadBenchmark simulates N goroutines each performing a mix of operations.
func runMixedWorkloadBenchmark(b *testing.B, bm ConcurrentMap[uint32, *int64], readRatio int, writers int) {
	var v int64 = 1
	for i := range keySpace {
		bm.Store(uint32(i), &v)
	}
	b.ResetTimer()
	b.SetParallelism(writers)
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			key := r.Uint32() % keySpace
			if r.Intn(100) < readRatio {
				_, _ = bm.Load(key)
			} else {
				bm.Store(key, &v)
			}
		}
	})
}

// runLoadOrStoreBenchmark simulates the per-key counter pattern.
func runLoadOrStoreBenchmark(b *testing.B, bm ConcurrentMap[uint32, *atomic.Int64], writers int) {
	b.ResetTimer()
	b.SetParallelism(writers)
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		factory := func() *atomic.Int64 { return new(atomic.Int64) }
		for pb.Next() {
			key := r.Uint32() % keySpace
			counter, _ := bm.LoadOrStore(key, factory)
			counter.Add(1)
		}
	})
}

// runUpdateBenchmark simulates the wait-queue pattern: a nested collection
// mutated under the key's lock.
func runUpdateBenchmark(b *testing.B, bm ConcurrentMap[uint32, map[uint64]struct{}], writers int) {
	b.ResetTimer()
	b.SetParallelism(writers)
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			key := r.Uint32() % keySpace
			waiter := r.Uint64()
			bm.Update(key, func(val map[uint64]struct{}, exists bool) (map[uint64]struct{}, bool) {
				if !exists {
					val = make(map[uint64]struct{})
				}
				val[waiter] = struct{}{}
				return val, true // Keep the entry
			})
		}
	})
}

// --- Main Benchmark Function ---

func BenchmarkMaps(b *testing.B) {
	workloads := []struct {
		name    string
		threads int
	}{
		{"1_Thread", 1},
		{"2_Threads", 2},
		{"Max_Threads_(Generic)", -1}, // -1 will use b.N
	}

	b.Run("Pattern_LoadOrStore_Counters", func(b *testing.B) {
		mapsToTest := []struct {
			name string
			m    ConcurrentMap[uint32, *atomic.Int64]
		}{
			{"RWMutexMap", NewRWMutexMap[uint32, *atomic.Int64]()},
			{"ShardedMap", NewShardedMap[uint32, *atomic.Int64]()},
			{"XSyncMapV4", NewXSyncMap[uint32, *atomic.Int64]()},
		}
		for _, wl := range workloads {
			b.Run(wl.name, func(b *testing.B) {
				for _, mt := range mapsToTest {
					b.Run(mt.name, func(b *testing.B) {
						runLoadOrStoreBenchmark(b, mt.m, wl.threads)
					})
				}
			})
		}
	})

	b.Run("Pattern_Update_NestedMap", func(b *testing.B) {
		mapsToTest := []struct {
			name string
			m    ConcurrentMap[uint32, map[uint64]struct{}]
		}{
			{"RWMutexMap", NewRWMutexMap[uint32, map[uint64]struct{}]()},
			{"ShardedMap", NewShardedMap[uint32, map[uint64]struct{}]()},
			{"XSyncMapV4", NewXSyncMap[uint32, map[uint64]struct{}]()},
		}
		for _, wl := range workloads {
			b.Run(wl.name, func(b *testing.B) {
				for _, mt := range mapsToTest {
					b.Run(mt.name, func(b *testing.B) {
						runUpdateBenchmark(b, mt.m, wl.threads)
					})
				}
			})
		}
	})

	b.Run("Pattern_LoadStore_Simple", func(b *testing.B) {
		mapsToTest := []struct {
			name string
			m    ConcurrentMap[uint32, *int64]
		}{
			{"RWMutexMap", NewRWMutexMap[uint32, *int64]()},
			{"ShardedMap", NewShardedMap[uint32, *int64]()},
			{"XSyncMapV4", NewXSyncMap[uint32, *int64]()},
		}
		for _, wl := range workloads {
			b.Run(wl.name, func(b *testing.B) {
				b.Run("ReadHeavy_90R_10W", func(b *testing.B) {
					for _, mt := range mapsToTest {
						b.Run(mt.name, func(b *testing.B) {
							runMixedWorkloadBenchmark(b, mt.m, 90, wl.threads)
						})
					}
				})
				b.Run("WriteHeavy_10R_90W", func(b *testing.B) {
					for _, mt := range mapsToTest {
						b.Run(mt.name, func(b *testing.B) {
							runMixedWorkloadBenchmark(b, mt.m, 10, wl.threads)
						})
					}
				})
			})
		}
	})
}

// Aligned word addresses must spread over the shards, not share a few.
func TestShardedSpreadsAlignedKeys(t *testing.T) {
	m := NewShardedMap[uint64, int]().(*ShardedMap[uint64, int])
	used := make(map[*shard[uint64, int]]bool)
	for i := uint64(0); i < numShards; i++ {
		used[m.shardFor(0x7f0000000000+i*8)] = true
	}
	if len(used) < numShards/2 {
		t.Errorf("Expected aligned keys over at least %d shards, got %d", numShards/2, len(used))
	}
}
