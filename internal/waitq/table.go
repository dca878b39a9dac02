// Package waitq implements the wait-queue table: a map from a wait key (an
// address or a thread identity) to the FIFO of waiters blocked on it.
//
// All mutations of one key's queue run inside the backing map's atomic Update,
// so a waiter's registration is linearizable with every notify on the same
// key. Queues that become empty are deleted from the map.
package waitq

import (
	"math"
	"sync/atomic"

	"github.com/phuslu/log"

	"threadwait/internal/logger"
	"threadwait/internal/maps"
)

// WakeFunc resumes a waiter that a notify operation dequeued. It is called
// after the key's lock has been released, exactly once per dequeued waiter.
type WakeFunc[T any] func(w *Waiter[T])

// ClaimFunc decides, under the key's lock, whether a notify may take w. A
// waiter whose claim fails is skipped, stays queued and is not counted; its
// owner removes it.
type ClaimFunc[T any] func(w *Waiter[T]) bool

// Table is a wait-queue table. The zero value is not usable; use New.
type Table[T any] struct {
	name    string
	m       maps.ConcurrentMap[uint64, *queue[T]]
	claim   ClaimFunc[T]
	wake    WakeFunc[T]
	waiters atomic.Int64

	log log.Logger
}

// New creates a table. wake is called for every waiter dequeued by a notify.
// A nil claim lets every notify take any waiter it reaches.
func New[T any](name string, impl maps.Implementation, claim ClaimFunc[T], wake WakeFunc[T]) *Table[T] {
	return &Table[T]{
		name:  name,
		m:     maps.NewConcurrentMap[uint64, *queue[T]](impl),
		claim: claim,
		wake:  wake,
		log:   logger.NewLoggerWithContext("waitq_" + name),
	}
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.name }

// Enqueue appends w to the queue for its key, creating the queue if absent.
//
// prepare runs under the key's lock before the waiter is linked. If it
// returns an error nothing is queued and the error is returned. Callers put
// their wait-condition check and their state transition in prepare; a notify
// on the same key is then ordered either entirely before the check or
// entirely after the registration, and can never be lost in between.
func (t *Table[T]) Enqueue(w *Waiter[T], prepare func() error) error {
	key := w.key
	var err error
	t.m.Update(key, func(q *queue[T], exists bool) (*queue[T], bool) {
		if prepare != nil {
			if err = prepare(); err != nil {
				return q, exists
			}
		}
		if !exists {
			q = &queue[T]{}
		}
		q.pushBack(w)
		t.waiters.Add(1)
		return q, true
	})
	if err != nil {
		return err
	}
	t.log.Trace().Uint64("key", key).Msg("waiter enqueued")
	return nil
}

// Remove pulls w out of whatever queue holds it. It reports false when w was
// already dequeued by a notify or an earlier Remove; that is not an error.
// Exactly one of all concurrent Remove and notify calls that target w
// succeeds.
func (t *Table[T]) Remove(w *Waiter[T]) bool {
	removed := false
	t.m.Update(w.key, func(q *queue[T], exists bool) (*queue[T], bool) {
		if !exists {
			return q, false
		}
		if removed = q.remove(w); removed {
			t.waiters.Add(-1)
		}
		return q, q.n > 0
	})
	return removed
}

// NotifyOne dequeues and wakes the head of key's queue. Notifications with no
// waiter are dropped. It returns the number of waiters woken (0 or 1).
func (t *Table[T]) NotifyOne(key uint64) int {
	return t.Notify(key, 1, 0)
}

// NotifyAll dequeues and wakes every waiter on key.
func (t *Table[T]) NotifyAll(key uint64) int {
	return t.Notify(key, math.MaxInt, 0)
}

// Notify wakes up to n waiters on key in FIFO order. Waiters whose IgnoreMask
// shares a bit with wakeMask, or whose claim fails, are skipped and keep their
// position.
func (t *Table[T]) Notify(key uint64, n int, wakeMask uint64) int {
	return t.NotifyLocked(key, n, wakeMask, nil)
}

// NotifyLocked is Notify with a hook: locked runs under the key's lock after
// the waiters were dequeued, with the number dequeued. State changed by locked
// is observed by every later Enqueue prepare on the same key.
func (t *Table[T]) NotifyLocked(key uint64, n int, wakeMask uint64, locked func(woken int)) int {
	var woken []*Waiter[T]
	t.m.Update(key, func(q *queue[T], exists bool) (*queue[T], bool) {
		if exists && n > 0 {
			for w := q.head; w != nil && len(woken) < n; {
				next := w.next
				if w.IgnoreMask&wakeMask == 0 && (t.claim == nil || t.claim(w)) {
					q.remove(w)
					woken = append(woken, w)
				}
				w = next
			}
			t.waiters.Add(-int64(len(woken)))
		}
		if locked != nil {
			locked(len(woken))
		}
		return q, exists && q.n > 0
	})
	if len(woken) == 0 {
		return 0
	}
	t.log.Trace().Uint64("key", key).Int("woken", len(woken)).Msg("notify")
	for _, w := range woken {
		t.wake(w)
	}
	return len(woken)
}

// Locked runs f under key's lock with the number of waiters queued on key.
// Like a prepare callback, f must not call back into the table.
func (t *Table[T]) Locked(key uint64, f func(waiting int)) {
	t.m.Update(key, func(q *queue[T], exists bool) (*queue[T], bool) {
		n := 0
		if exists {
			n = q.n
		}
		f(n)
		return q, exists
	})
}

// Waiting returns the number of waiters queued on key.
func (t *Table[T]) Waiting(key uint64) int {
	n := 0
	t.Locked(key, func(waiting int) { n = waiting })
	return n
}

// Len returns the total number of queued waiters.
func (t *Table[T]) Len() int {
	return int(t.waiters.Load())
}

// Keys returns the number of keys that currently have a queue.
func (t *Table[T]) Keys() int {
	return t.m.Len()
}
