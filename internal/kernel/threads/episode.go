package threads

import (
	"errors"
	"sync/atomic"
	"time"

	"threadwait/internal/result"
	"threadwait/internal/security"
	"threadwait/internal/timeout"
	"threadwait/internal/waitq"
)

// errSatisfied is returned by a wait check when the call must succeed without
// blocking (a banked unpark, an already exited join target).
var errSatisfied = errors.New("wait condition already satisfied")

// errClaimed stops registration of further legs once the episode has ended.
var errClaimed = errors.New("episode already claimed")

// causeSettled claims an episode that ended during registration, on a leg's
// own check. It is never delivered or counted.
const causeSettled Cause = -1

// episode is one blocking episode of one thread. It is referenced by the wait
// tables through the waiters of its legs and by the timeout manager through
// its deadline entry; neither owns it.
//
// The episode is ended by whoever claims it first: a notify taking one of its
// waiters (the claim runs under that waiter's key lock), or a timeout,
// interrupt or kill. The claimer removes every leg, then delivers.
type episode struct {
	t     *Thread
	legs  []*leg
	key   uint64 // key of the first leg
	state State
	lease *security.Lease

	cause atomic.Int32
	fired int // leg whose notify won, -1 otherwise; written by the claimer
	wake  chan Cause
}

// leg is an episode's registration in one wait table.
type leg struct {
	ep    *episode
	index int
	table *waitq.Table[*leg]
	w     *waitq.Waiter[*leg]
}

// claim makes c the episode's cause if no cause was set yet.
func (ep *episode) claim(c Cause) bool {
	return ep.cause.CompareAndSwap(int32(causeNone), int32(c))
}

func (ep *episode) claimed() bool {
	return Cause(ep.cause.Load()) != causeNone
}

// wait is one leg of a blocking call.
type wait struct {
	table      *waitq.Table[*leg]
	key        uint64
	ignoreMask uint64

	// check runs under the key's lock before the waiter is queued.
	check func() error
}

// blocking describes one blocking call.
type blocking struct {
	state State
	waits []wait // at least one

	// timeout is used when hasTimeout is set; otherwise the thread's blocking
	// timeout applies. A non-zero deadline overrides both.
	timeout    time.Duration
	hasTimeout bool
	deadline   time.Time
}

// block runs one blocking episode for t. It returns the cause that ended it
// and the index of the leg that ended it: the leg a notify took, or the leg
// whose check settled the call during registration. A cause of causeNone with
// a nil error means a check was already satisfied and nothing blocked.
// Argument validation is the caller's job.
func (m *Manager) block(t *Thread, b blocking) (Cause, int, error) {
	// 1. Outcomes banked before the call, then the timeout to apply.
	t.mu.Lock()
	if err := t.checkPendingLocked(); err != nil {
		t.mu.Unlock()
		return causeNone, -1, err
	}
	d, timed := b.timeout, b.hasTimeout
	if !timed {
		d, timed = t.blockingTimeout, t.hasTimeout
	}
	t.mu.Unlock()
	deadline := b.deadline
	if !deadline.IsZero() {
		timed = true
	}

	// 2. Resource limit, before anything is registered.
	lease, err := m.gate.Acquire(t.ctx, security.ClassBlocking)
	if err != nil {
		return causeNone, -1, err
	}

	// 3. Condition checks and Runnable -> Blocked/Parked under the key locks.
	// The first leg publishes the episode; later legs stop as soon as it has
	// been claimed.
	ep := &episode{
		t:     t,
		legs:  make([]*leg, len(b.waits)),
		key:   b.waits[0].key,
		state: b.state,
		lease: lease,
		fired: -1,
		wake:  make(chan Cause, 1),
	}
	for i, wt := range b.waits {
		l := &leg{ep: ep, index: i, table: wt.table}
		l.w = waitq.NewWaiter(l, wt.key, wt.ignoreMask)
		ep.legs[i] = l
	}
	for i, wt := range b.waits {
		checked := false // the leg's own check ended the call
		err = wt.table.Enqueue(ep.legs[i].w, func() error {
			if ep.claimed() {
				return errClaimed
			}
			if wt.check != nil {
				if err := wt.check(); err != nil {
					checked = true
					return err
				}
			}
			if i > 0 {
				return nil
			}
			t.mu.Lock()
			defer t.mu.Unlock()
			if err := t.checkPendingLocked(); err != nil {
				return err
			}
			t.current = ep
			return nil
		})
		if err == nil {
			continue
		}
		if errors.Is(err, errClaimed) {
			break
		}
		if i == 0 {
			lease.Release()
			if !checked {
				return causeNone, -1, err
			}
			return settled(0, err)
		}
		if ep.claim(causeSettled) {
			m.unregister(ep)
			lease.Release()
			t.mu.Lock()
			t.current = nil
			t.mu.Unlock()
			return settled(i, err)
		}
		// Another wake source ended the episode first; take its outcome.
		break
	}
	m.diag.recordEpisode()
	start := m.clock.Now()

	// 4. Deadline. One that already passed means the call may not block at
	// all.
	var entry *timeout.Entry[*episode]
	if timed {
		now := m.clock.Now()
		if deadline.IsZero() {
			deadline = now.Add(d)
		}
		if deadline.After(now) {
			entry = m.timeouts.Arm(ep, deadline)
		} else {
			m.cancel(ep, TimedOut)
		}
	}

	// 5. Suspend until exactly one wake source delivers.
	cause := <-ep.wake

	// 6. Back to Runnable.
	m.timeouts.Disarm(entry)
	m.diag.recordDuration(m.clock.Since(start))
	t.mu.Lock()
	t.current = nil
	if cause == Interrupted {
		t.interruptPending = false
	}
	t.mu.Unlock()

	m.log.Trace().Uint64("thread", t.id).Uint64("key", ep.key).Int("legs", len(ep.legs)).
		Int("fired", ep.fired).Stringer("cause", cause).Msg("episode ended")
	return cause, ep.fired, causeError(cause)
}

// settled maps a check outcome at leg i during registration to block's result.
func settled(i int, err error) (Cause, int, error) {
	if errors.Is(err, errSatisfied) {
		return causeNone, i, nil
	}
	return causeNone, i, err
}

func causeError(c Cause) error {
	switch c {
	case TimedOut:
		return result.Timeout
	case Interrupted:
		return result.Interrupted
	case CauseKilled:
		return result.Killed
	}
	return nil
}

// unregister removes every leg of ep that is still queued.
func (m *Manager) unregister(ep *episode) {
	for _, l := range ep.legs {
		l.table.Remove(l.w)
	}
}

// finish resumes a claimed episode. Only its claimer may call it.
func (m *Manager) finish(ep *episode) {
	m.unregister(ep)
	ep.lease.Release()
	c := Cause(ep.cause.Load())
	m.diag.recordWake(c)
	select {
	case ep.wake <- c:
	default:
		panic("threads: second wake cause delivered to one blocking episode")
	}
}

// claimWith is the wait tables' claim hook: a notify taking a waiter ends its
// episode with cause c, unless something else ended it first.
func (m *Manager) claimWith(c Cause) waitq.ClaimFunc[*leg] {
	return func(w *waitq.Waiter[*leg]) bool {
		l := w.Value
		if !l.ep.claim(c) {
			return false
		}
		l.ep.fired = l.index
		return true
	}
}

func (m *Manager) wake(w *waitq.Waiter[*leg]) {
	m.finish(w.Value.ep)
}

// expire is the timeout manager callback. A deadline whose episode already
// ended was beaten by another wake source and is dropped.
func (m *Manager) expire(ep *episode) {
	if m.cancel(ep, TimedOut) {
		return
	}
	m.diag.recordStaleTimeout()
	m.log.Trace().Uint64("thread", ep.t.id).Msg("stale timeout discarded")
}

// cancel ends ep with cause c if nothing ended it yet.
func (m *Manager) cancel(ep *episode, c Cause) bool {
	if ep == nil || !ep.claim(c) {
		return false
	}
	m.finish(ep)
	return true
}
