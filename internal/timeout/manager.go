// Package timeout tracks blocking deadlines. Entries are ordered by deadline,
// ties broken by arrival order, and a single clock timer is kept armed for the
// earliest one.
//
// The manager never decides whether a timed-out waiter is still blocked: it
// hands expired entries to the expire callback, which must claim the waiter
// like every other wake source.
package timeout

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/phuslu/log"

	"threadwait/internal/logger"
)

// Entry is an armed deadline. It is owned by the Manager until it expires or is
// disarmed.
type Entry[T any] struct {
	deadline time.Time
	seq      uint64
	index    int // position in the heap, -1 once removed
	value    T
}

// Deadline returns the absolute deadline of the entry.
func (e *Entry[T]) Deadline() time.Time { return e.deadline }

// Manager is a deadline queue driven by a clockwork.Clock.
type Manager[T any] struct {
	clock  clockwork.Clock
	expire func(T)

	mu     sync.Mutex
	h      entryHeap[T]
	seq    uint64
	timer  clockwork.Timer
	gen    uint64    // incremented whenever timer is replaced or stopped
	next   time.Time // deadline the timer is armed for
	closed bool

	expired atomic.Uint64

	log log.Logger
}

// NewManager creates a manager that calls expire, without holding any lock,
// for every entry whose deadline has passed.
func NewManager[T any](clock clockwork.Clock, expire func(T)) *Manager[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager[T]{
		clock:  clock,
		expire: expire,
		log:    logger.NewLoggerWithContext("timeout_manager"),
	}
}

// Clock returns the clock deadlines are measured against.
func (m *Manager[T]) Clock() clockwork.Clock { return m.clock }

// Arm registers v to expire at deadline. A deadline in the past expires on the
// next timer tick rather than synchronously.
func (m *Manager[T]) Arm(v T, deadline time.Time) *Entry[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e := &Entry[T]{deadline: deadline, seq: m.seq, value: v}
	if m.closed {
		e.index = -1
		return e
	}
	heap.Push(&m.h, e)
	if e.index == 0 {
		m.rearmLocked()
	}
	return e
}

// Disarm removes e. It reports false if e already expired or was disarmed.
func (m *Manager[T]) Disarm(e *Entry[T]) bool {
	if e == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.index < 0 {
		return false
	}
	head := e.index == 0
	heap.Remove(&m.h, e.index)
	if head {
		m.rearmLocked()
	}
	return true
}

// Pending returns the number of armed entries.
func (m *Manager[T]) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.h)
}

// Expired returns the number of entries handed to the expire callback.
func (m *Manager[T]) Expired() uint64 {
	return m.expired.Load()
}

// Close stops the timer and drops every armed entry without expiring it.
func (m *Manager[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopLocked()
	for _, e := range m.h {
		e.index = -1
	}
	m.h = nil
}

// rearmLocked points the timer at the current earliest deadline.
func (m *Manager[T]) rearmLocked() {
	if len(m.h) == 0 {
		m.stopLocked()
		return
	}
	first := m.h[0].deadline
	if m.timer != nil && m.next.Equal(first) {
		return
	}
	m.stopLocked()
	m.next = first
	gen := m.gen
	m.timer = m.clock.AfterFunc(first.Sub(m.clock.Now()), func() { m.fire(gen) })
}

func (m *Manager[T]) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
}

// fire pops every entry that is due. gen identifies the timer that fired: a
// timer that was replaced or stopped but had already started running leaves
// the current one alone.
func (m *Manager[T]) fire(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	var due []T
	for len(m.h) > 0 && !m.h[0].deadline.After(now) {
		e := heap.Pop(&m.h).(*Entry[T])
		due = append(due, e.value)
	}
	m.timer = nil
	m.rearmLocked()
	m.mu.Unlock()

	if len(due) > 0 {
		m.expired.Add(uint64(len(due)))
		m.log.Trace().Int("due", len(due)).Msg("deadlines expired")
	}
	for _, v := range due {
		m.expire(v)
	}
}

// entryHeap orders entries by deadline, then by arrival.
type entryHeap[T any] []*Entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h entryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap[T]) Push(x any) {
	e := x.(*Entry[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
