package maps

// Implementation names a ConcurrentMap backend.
type Implementation string

const (
	// XSync is backed by puzpuzpuz/xsync and is the default.
	XSync Implementation = "xsync"
	// Sharded is a fixed array of RWMutex-protected shards.
	Sharded Implementation = "sharded"
)

// Integer is a constraint that permits any integer type.
// All integer types are comparable.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap defines a generic, thread-safe map interface for integer keys.
// Every backend implements Update as an atomic read-modify-write of one key:
// no other operation on the same key can interleave with updateFunc. Wait
// queues rely on this to make enqueue linearizable with notify.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	LoadOrStore(key K, valueFactory func() V) (V, bool)
	Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool))
	Range(f func(key K, value V) bool)
	Len() int
}

// LookupMap is a read-mostly map without atomic read-modify-write. It is used
// for registries where entries are inserted once and removed once.
type LookupMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	Range(f func(key K, value V) bool)
	Len() int
}

// Valid reports whether impl names a known backend.
func Valid(impl Implementation) bool {
	return impl == XSync || impl == Sharded
}

// NewConcurrentMap is a factory for integer-keyed maps with the given backend.
// Unknown names fall back to the xsync backend.
func NewConcurrentMap[K Integer, V any](impl Implementation) ConcurrentMap[K, V] {
	switch impl {
	case Sharded:
		return NewShardedMap[K, V]()
	case XSync:
		return NewXSyncMap[K, V]()
	default:
		// Default to the highest-performing implementation as a safe fallback.
		return NewXSyncMap[K, V]()
	}
}

// NewLookupMap returns the lock-free lookup map used for registries.
func NewLookupMap[K Integer, V any]() LookupMap[K, V] {
	return NewCornelkMap[K, V]()
}
