// Package handles is the capability table the thread subsystem resolves
// thread handles through. A handle names an object together with the rights
// the holder has on it.
package handles

import (
	"fmt"
	"sync/atomic"

	"threadwait/internal/maps"
	"threadwait/internal/result"
)

// Handle is an opaque, never reused, non-zero capability value.
type Handle uint64

// Rights is the set of operations a handle permits.
type Rights uint32

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightSignal
	RightDestroy
	RightJoin

	RightsAll = RightRead | RightWrite | RightSignal | RightDestroy | RightJoin
)

type entry[T any] struct {
	obj    T
	rights Rights
}

// Table maps handles to objects. Lookups are lock free.
type Table[T any] struct {
	m    maps.LookupMap[Handle, entry[T]]
	next atomic.Uint64
}

// New returns an empty table.
func New[T any]() *Table[T] {
	return &Table[T]{m: maps.NewLookupMap[Handle, entry[T]]()}
}

// Insert registers obj and returns a fresh handle carrying rights.
func (t *Table[T]) Insert(obj T, rights Rights) Handle {
	h := Handle(t.next.Add(1))
	t.m.Store(h, entry[T]{obj: obj, rights: rights})
	return h
}

// Duplicate returns a new handle to the same object with a subset of h's
// rights. Asking for rights h does not carry is PERMISSION.
func (t *Table[T]) Duplicate(h Handle, rights Rights) (Handle, error) {
	e, ok := t.m.Load(h)
	if !ok {
		return 0, result.InvalidHandle
	}
	if rights&^e.rights != 0 {
		return 0, fmt.Errorf("duplicate handle %d: %w", h, result.Permission)
	}
	return t.Insert(e.obj, rights), nil
}

// Resolve returns the object h names. An unknown handle is INVALID_HANDLE;
// a known handle lacking want is PERMISSION. The handle is always validated
// first.
func (t *Table[T]) Resolve(h Handle, want Rights) (T, error) {
	e, ok := t.m.Load(h)
	if !ok {
		var zero T
		return zero, result.InvalidHandle
	}
	if e.rights&want != want {
		var zero T
		return zero, result.Permission
	}
	return e.obj, nil
}

// Close removes h. Closing an unknown handle is INVALID_HANDLE.
func (t *Table[T]) Close(h Handle) error {
	if _, ok := t.m.Load(h); !ok {
		return result.InvalidHandle
	}
	t.m.Delete(h)
	return nil
}

// Len returns the number of open handles.
func (t *Table[T]) Len() int { return t.m.Len() }

// Range calls f for every open handle until f returns false.
func (t *Table[T]) Range(f func(h Handle, obj T) bool) {
	t.m.Range(func(h Handle, e entry[T]) bool { return f(h, e.obj) })
}
