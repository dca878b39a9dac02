package threads

import (
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"threadwait/internal/handles"
	"threadwait/internal/result"
	"threadwait/internal/security"
)

// State is the scheduling state of a thread.
type State int32

const (
	Runnable State = iota
	Blocked
	Parked
	InterruptPending
	Killed
	Exited

	stateCount
)

var stateNames = [stateCount]string{
	Runnable:         "runnable",
	Blocked:          "blocked",
	Parked:           "parked",
	InterruptPending: "interrupt_pending",
	Killed:           "killed",
	Exited:           "exited",
}

// States lists every thread state, in metric label order.
var States = []State{Runnable, Blocked, Parked, InterruptPending, Killed, Exited}

func (s State) String() string {
	if s >= 0 && s < stateCount {
		return stateNames[s]
	}
	return "unknown"
}

// Cause is the reason a blocking episode ended.
type Cause int32

const (
	causeNone Cause = iota
	Notified
	TimedOut
	Interrupted
	Unparked
	CauseKilled

	causeCount
)

var causeNames = [causeCount]string{
	causeNone:   "none",
	Notified:    "notified",
	TimedOut:    "timed_out",
	Interrupted: "interrupted",
	Unparked:    "unparked",
	CauseKilled: "killed",
}

func (c Cause) String() string {
	if c >= 0 && c < causeCount {
		return causeNames[c]
	}
	return "unknown"
}

// Causes lists every wake cause, in metric label order.
var Causes = []Cause{Notified, TimedOut, Interrupted, Unparked, CauseKilled}

// MaxNameLength bounds thread names, in bytes.
const MaxNameLength = 256

// Thread is a thread control block.
//
// Lock order: a wait table key lock may be held while taking mu, never the
// other way around.
type Thread struct {
	id     uint64
	handle handles.Handle
	ctx    *security.Context
	mgr    *Manager

	// unpark is the banked unpark token. It is only set and consumed under
	// the park table lock for this thread's id.
	unpark atomic.Bool

	mu               sync.Mutex
	name             string
	current          *episode // non-nil while Blocked or Parked
	interruptPending bool
	killed           bool
	blockingTimeout  time.Duration
	hasTimeout       bool

	// Exit bookkeeping, written under mu and the join table lock for id.
	exited   bool
	exitCode int64
	detached bool
	joining  bool // claimed by a joiner that has not collected it yet
	joined   bool
	reaped   bool

	lease *security.Lease // ClassThreads unit held while live
	done  chan struct{}
}

// ID returns the process-unique thread identity.
func (t *Thread) ID() uint64 { return t.id }

// Handle returns the handle the thread was registered under at start.
func (t *Thread) Handle() handles.Handle { return t.handle }

// Context returns the thread's security context.
func (t *Thread) Context() *security.Context { return t.ctx }

// Name returns the thread name.
func (t *Thread) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// SetName renames the thread. Names must be valid UTF-8 and at most
// MaxNameLength bytes.
func (t *Thread) SetName(name string) error {
	if !validName(name) {
		return result.InvalidString
	}
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
	return nil
}

func validName(name string) bool {
	return len(name) <= MaxNameLength && utf8.ValidString(name)
}

// State returns the current state. Killed and Exited are terminal.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *Thread) stateLocked() State {
	switch {
	case t.killed:
		return Killed
	case t.exited:
		return Exited
	case t.current != nil:
		return t.current.state
	case t.interruptPending:
		return InterruptPending
	}
	return Runnable
}

func (t *Thread) isKilled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed
}

// WaitKey returns the key the thread is blocked on, if any.
func (t *Thread) WaitKey() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return 0, false
	}
	return t.current.key, true
}

// Done is closed once the thread function has returned.
func (t *Thread) Done() <-chan struct{} { return t.done }

// ExitCode returns the exit status and whether the thread has exited.
func (t *Thread) ExitCode() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode, t.exited
}

// checkPendingLocked reports the outcome a blocking call must return without
// blocking: KILLED, or INTERRUPTED when an interrupt was banked (the banked
// interrupt is consumed). Callers hold mu.
func (t *Thread) checkPendingLocked() error {
	if t.killed {
		return result.Killed
	}
	if t.interruptPending {
		t.interruptPending = false
		return result.Interrupted
	}
	return nil
}

// SetBlockingTimeout applies d to every later blocking call except Sleep.
// A zero duration makes those calls time out as soon as they would block.
func (t *Thread) SetBlockingTimeout(d time.Duration) error {
	if d < 0 {
		return result.InvalidOption
	}
	t.mu.Lock()
	t.blockingTimeout, t.hasTimeout = d, true
	t.mu.Unlock()
	return nil
}

// ClearBlockingTimeout removes the blocking timeout.
func (t *Thread) ClearBlockingTimeout() {
	t.mu.Lock()
	t.blockingTimeout, t.hasTimeout = 0, false
	t.mu.Unlock()
}

// BlockingTimeout returns the configured blocking timeout, if any.
func (t *Thread) BlockingTimeout() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockingTimeout, t.hasTimeout
}

// Interrupted consumes a banked interrupt. It returns INTERRUPTED if one was
// pending and nil otherwise.
func (t *Thread) Interrupted() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.interruptPending {
		t.interruptPending = false
		return result.Interrupted
	}
	return nil
}
