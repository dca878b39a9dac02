package maps

import "github.com/cornelk/hashmap"

// CornelkMap wraps the lock-free cornelk/hashmap. Reads never block, which
// suits handle tables that are read on every syscall and written rarely.
type CornelkMap[K Integer, V any] struct {
	m *hashmap.Map[K, V]
}

// NewCornelkMap creates a new CornelkMap.
func NewCornelkMap[K Integer, V any]() LookupMap[K, V] {
	return &CornelkMap[K, V]{m: hashmap.New[K, V]()}
}

func (m *CornelkMap[K, V]) Load(key K) (V, bool) {
	return m.m.Get(key)
}
func (m *CornelkMap[K, V]) Store(key K, value V) { m.m.Set(key, value) }
func (m *CornelkMap[K, V]) Delete(key K)         { m.m.Del(key) }
func (m *CornelkMap[K, V]) Len() int             { return m.m.Len() }

func (m *CornelkMap[K, V]) Range(f func(key K, value V) bool) { m.m.Range(f) }
