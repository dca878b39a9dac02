// Package threads implements thread control blocks and the blocking
// primitives built on the wait-queue tables: parking, address wait/notify,
// join, sleep, pause, blocking timeouts, interruption and kill.
//
// Every blocking primitive runs one blocking episode, registered in one or
// more wait tables. An episode is ended by exactly one wake source: the first
// to claim it. A notify claims under the key lock of the waiter it takes, and
// skips waiters of an episode that was already claimed, so the notification
// goes to the next waiter instead of being lost. Timeouts, interrupts and
// kills claim directly. The claimer unregisters the episode and resumes the
// thread; every other source that races for it is a no-op.
package threads

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/phuslu/log"

	"threadwait/internal/handles"
	"threadwait/internal/logger"
	"threadwait/internal/maps"
	"threadwait/internal/memory"
	"threadwait/internal/result"
	"threadwait/internal/security"
	"threadwait/internal/timeout"
	"threadwait/internal/waitq"
)

// Wait table names, as reported by Waiting.
const (
	TableAddress = "address"
	TablePark    = "park"
	TableJoin    = "join"
	TableSleep   = "sleep"
)

// Options configures a Manager. The zero value is usable.
type Options struct {
	// Clock measures blocking deadlines. Nil selects the real clock.
	Clock clockwork.Clock
	// Backend selects the concurrent map behind the wait tables.
	Backend maps.Implementation
	// Space is the address space address waits resolve against. Nil
	// creates an empty one.
	Space *memory.Space
	// DefaultBlockingTimeout is installed on every new thread when positive.
	DefaultBlockingTimeout time.Duration
}

// Manager owns the threads of one process and the wait structures they block
// on.
type Manager struct {
	clock    clockwork.Clock
	space    *memory.Space
	gate     *security.Gate
	timeouts *timeout.Manager[*episode]

	addr   *waitq.Table[*leg]
	park   *waitq.Table[*leg]
	joins  *waitq.Table[*leg]
	sleeps *waitq.Table[*leg]

	handles *handles.Table[*Thread]
	threads maps.ConcurrentMap[uint64, *Thread] // live and unreaped threads by id
	nextID  atomic.Uint64

	defaultTimeout time.Duration
	closed         atomic.Bool

	diag Diagnostics
	log  log.Logger
}

// NewManager creates a manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		clock:          opts.Clock,
		space:          opts.Space,
		gate:           security.NewGate(),
		handles:        handles.New[*Thread](),
		threads:        maps.NewConcurrentMap[uint64, *Thread](opts.Backend),
		defaultTimeout: opts.DefaultBlockingTimeout,
		log:            logger.NewLoggerWithContext("thread_manager"),
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.space == nil {
		m.space = memory.NewSpace()
	}
	m.timeouts = timeout.NewManager(m.clock, m.expire)

	m.addr = waitq.New(TableAddress, opts.Backend, m.claimWith(Notified), m.wake)
	m.park = waitq.New(TablePark, opts.Backend, m.claimWith(Unparked), m.wake)
	m.joins = waitq.New(TableJoin, opts.Backend, m.claimWith(Notified), m.wake)
	m.sleeps = waitq.New(TableSleep, opts.Backend, m.claimWith(Notified), m.wake)
	return m
}

// Clock returns the clock deadlines are measured against.
func (m *Manager) Clock() clockwork.Clock { return m.clock }

// Space returns the address space address waits resolve against.
func (m *Manager) Space() *memory.Space { return m.space }

// Gate returns the resource-limit gate.
func (m *Manager) Gate() *security.Gate { return m.gate }

// Diagnostics returns the manager's counters.
func (m *Manager) Diagnostics() *Diagnostics { return &m.diag }

// Start creates a thread running fn under ctx. A nil ctx runs the thread
// without permission checks or limits. The value fn returns is the thread's
// exit status; a panic in fn kills the thread.
func (m *Manager) Start(ctx *security.Context, name string, fn func(*Thread) int64) (*Thread, error) {
	if !validName(name) {
		return nil, result.InvalidString
	}
	if err := ctx.Check(security.PermThreadStart); err != nil {
		return nil, err
	}
	if m.closed.Load() {
		return nil, result.InvalidState
	}
	lease, err := m.gate.Acquire(ctx, security.ClassThreads)
	if err != nil {
		return nil, err
	}

	t := &Thread{
		id:    m.nextID.Add(1),
		mgr:   m,
		name:  name,
		lease: lease,
		done:  make(chan struct{}),
	}
	if ctx != nil {
		t.ctx = ctx.Derive(fmt.Sprintf("%s/%d", ctx.Name(), t.id))
	}
	if m.defaultTimeout > 0 {
		t.blockingTimeout, t.hasTimeout = m.defaultTimeout, true
	}
	t.handle = m.handles.Insert(t, handles.RightsAll)
	m.threads.Store(t.id, t)
	m.diag.recordThreadStart()

	m.log.Debug().Uint64("thread", t.id).Uint64("handle", uint64(t.handle)).
		Str("name", name).Msg("thread started")
	go m.run(t, fn)
	return t, nil
}

func (m *Manager) run(t *Thread, fn func(*Thread) int64) {
	var code int64
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Uint64("thread", t.id).Str("panic", fmt.Sprint(r)).Msg("thread faulted, killing it")
			m.kill(t)
		}
		m.exit(t, code)
	}()
	code = fn(t)
}

// exit records the exit status and wakes every joiner. Marking the thread
// exited happens under the join table lock, so a joiner either queues before
// and is woken here, or sees the thread exited in its check. Killed threads
// are never joined and are reaped here.
func (m *Manager) exit(t *Thread, code int64) {
	var reap bool
	m.joins.NotifyLocked(t.id, math.MaxInt, 0, func(int) {
		t.mu.Lock()
		t.exited = true
		t.exitCode = code
		if t.killed {
			t.exitCode = int64(result.Killed)
		}
		reap = t.detached || t.killed
		t.mu.Unlock()
	})
	t.lease.Release()
	close(t.done)
	m.log.Debug().Uint64("thread", t.id).Int64("code", code).Msg("thread exited")
	if reap {
		m.reap(t)
	}
}

// reap drops an exited thread that was joined or detached from the registry.
// Its handle stays valid until closed.
func (m *Manager) reap(t *Thread) {
	t.mu.Lock()
	if t.reaped {
		t.mu.Unlock()
		return
	}
	t.reaped = true
	t.mu.Unlock()
	m.threads.Delete(t.id)
}

// kill transitions t to Killed, wakes its joiners and abandons its current
// episode. Killing an exited or already killed thread does nothing.
//
// The transition happens under the join table lock, like exit: a joiner
// either queued before and is woken here, or sees the kill in its check. Its
// join then returns KILLED whether or not t ever runs again.
func (m *Manager) kill(t *Thread) {
	var (
		ep     *episode
		killed bool
	)
	m.joins.NotifyLocked(t.id, math.MaxInt, 0, func(int) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.killed || t.exited {
			return
		}
		t.killed, killed = true, true
		ep = t.current
	})
	if !killed {
		return
	}
	m.log.Debug().Uint64("thread", t.id).Bool("was_blocked", ep != nil).Msg("thread killed")
	m.cancel(ep, CauseKilled)
}

// resolve maps a handle to its thread. Handle errors are reported before
// permission errors.
func (m *Manager) resolve(ctx *security.Context, h handles.Handle, right handles.Rights, perm string) (*Thread, error) {
	t, err := m.handles.Resolve(h, right)
	if err != nil {
		return nil, err
	}
	if perm != "" {
		if err := ctx.Check(perm); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Lookup returns the thread h refers to.
func (m *Manager) Lookup(h handles.Handle) (*Thread, error) {
	return m.handles.Resolve(h, 0)
}

// CloseHandle releases h. The thread itself is unaffected.
func (m *Manager) CloseHandle(h handles.Handle) error {
	return m.handles.Close(h)
}

// DuplicateHandle returns a new handle to the same thread with a subset of
// h's rights.
func (m *Manager) DuplicateHandle(h handles.Handle, rights handles.Rights) (handles.Handle, error) {
	return m.handles.Duplicate(h, rights)
}

// ThreadName copies the name of the thread h refers to into buf and returns
// its length. A buffer that is too small yields INSUFFICIENT_LENGTH together
// with the required length.
func (m *Manager) ThreadName(h handles.Handle, buf []byte) (int, error) {
	t, err := m.handles.Resolve(h, handles.RightRead)
	if err != nil {
		return 0, err
	}
	name := t.Name()
	if len(buf) < len(name) {
		return len(name), result.InsufficientLength
	}
	return copy(buf, name), nil
}

// SetThreadName renames the thread h refers to.
func (m *Manager) SetThreadName(h handles.Handle, name string) error {
	t, err := m.handles.Resolve(h, handles.RightWrite)
	if err != nil {
		return err
	}
	return t.SetName(name)
}

// Destroy kills the thread h refers to. It is asynchronous: the target's
// blocking call returns KILLED, and every later one does too.
func (m *Manager) Destroy(ctx *security.Context, h handles.Handle) error {
	t, err := m.resolve(ctx, h, handles.RightDestroy, security.PermThreadDestroy)
	if err != nil {
		return err
	}
	m.kill(t)
	return nil
}

// Detach marks the thread h refers to as never to be joined; it is reaped as
// soon as it exits. Detaching a joined, detached or currently joined thread
// is INVALID_STATE.
func (m *Manager) Detach(ctx *security.Context, h handles.Handle) error {
	t, err := m.resolve(ctx, h, handles.RightJoin, security.PermThreadJoin)
	if err != nil {
		return err
	}
	var exited bool
	m.joins.Locked(t.id, func(int) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.detached || t.joined || t.joining {
			err = result.InvalidState
			return
		}
		t.detached = true
		exited = t.exited
	})
	if err != nil {
		return err
	}
	if exited {
		m.reap(t)
	}
	return nil
}

// Yield gives up the processor.
func (m *Manager) Yield() {
	runtime.Gosched()
}

// Close kills every thread and stops the deadline timer. Start fails once the
// manager is closed.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	n := 0
	m.threads.Range(func(_ uint64, t *Thread) bool {
		m.kill(t)
		n++
		return true
	})
	m.timeouts.Close()
	m.log.Info().Int("threads", n).Msg("thread manager closed")
}

// Threads returns the number of threads per state.
func (m *Manager) Threads() map[State]int {
	counts := make(map[State]int, stateCount)
	m.threads.Range(func(_ uint64, t *Thread) bool {
		counts[t.State()]++
		return true
	})
	return counts
}

// Waiting returns the number of queued waiters per wait table.
func (m *Manager) Waiting() map[string]int {
	return map[string]int{
		TableAddress: m.addr.Len(),
		TablePark:    m.park.Len(),
		TableJoin:    m.joins.Len(),
		TableSleep:   m.sleeps.Len(),
	}
}

// PendingDeadlines returns the number of armed blocking deadlines.
func (m *Manager) PendingDeadlines() int {
	return m.timeouts.Pending()
}

// ReportDiagnostics logs and records the counters of the interval that just
// ended.
func (m *Manager) ReportDiagnostics() DiagnosticsSample {
	return m.diag.Report(&m.log, m.threads.Len())
}
