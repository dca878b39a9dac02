package waitq

// Waiter is one blocking episode's registration in a Table. A Waiter is used
// for exactly one episode and then discarded.
//
// Synchronization: next, prev and q are only touched while holding the map
// lock of the waiter's key. q doubles as the membership marker: a waiter is
// queued iff q is non-nil, and whoever clears it owns the wakeup.
type Waiter[T any] struct {
	next, prev *Waiter[T]
	q          *queue[T]

	key uint64

	// IgnoreMask makes Notify skip this waiter when it shares bits with the
	// notification's wake mask.
	IgnoreMask uint64

	// Value is the payload handed back to the table's wake function.
	Value T
}

// NewWaiter returns an unqueued waiter for key carrying v. The key is fixed
// for the waiter's lifetime, so Remove may race with Enqueue.
func NewWaiter[T any](v T, key, ignoreMask uint64) *Waiter[T] {
	return &Waiter[T]{Value: v, key: key, IgnoreMask: ignoreMask}
}

// Key returns the key the waiter is queued under.
func (w *Waiter[T]) Key() uint64 { return w.key }

// queue is an intrusive FIFO of waiters sharing one key.
type queue[T any] struct {
	head, tail *Waiter[T]
	n          int
}

func (q *queue[T]) pushBack(w *Waiter[T]) {
	if w.q != nil {
		panic("waitq: waiter enqueued twice")
	}
	w.prev = q.tail
	w.next = nil
	if q.tail != nil {
		q.tail.next = w
	} else {
		q.head = w
	}
	q.tail = w
	w.q = q
	q.n++
}

// remove unlinks w. It reports false when w is not in q.
func (q *queue[T]) remove(w *Waiter[T]) bool {
	if w.q != q {
		return false
	}
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		q.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		q.tail = w.prev
	}
	w.next, w.prev, w.q = nil, nil, nil
	q.n--
	return true
}
