package threads

import (
	"sync/atomic"
	"time"

	"threadwait/internal/handles"
	"threadwait/internal/result"
	"threadwait/internal/security"
)

// --- Parking ---

// Park blocks t until it is unparked. A token banked by an earlier Unpark is
// consumed instead of blocking. Park honors the blocking timeout.
func (t *Thread) Park() error {
	_, _, err := t.mgr.block(t, blocking{
		state: Parked,
		waits: []wait{{
			table: t.mgr.park,
			key:   t.id,
			check: func() error {
				if t.unpark.CompareAndSwap(true, false) {
					return errSatisfied
				}
				return nil
			},
		}},
	})
	return err
}

// Unpark wakes the thread h refers to if it is parked, and banks a single
// token for its next Park otherwise. Tokens do not accumulate. Unparking a
// killed thread is KILLED.
func (m *Manager) Unpark(ctx *security.Context, h handles.Handle) error {
	t, err := m.resolve(ctx, h, handles.RightSignal, security.PermThreadUnpark)
	if err != nil {
		return err
	}
	if t.isKilled() {
		return result.Killed
	}
	m.park.NotifyLocked(t.id, 1, 0, func(woken int) {
		if woken == 0 {
			t.unpark.Store(true)
		}
	})
	return nil
}

// --- Address wait/notify ---

// AwaitAddress blocks t on addr as long as the word there, with the bits of
// ignoreMask cleared, equals expected under the same mask. The comparison is
// made under the address's wait lock, so a notify that follows a store to the
// word cannot be missed. On a mismatch nothing blocks and the observed value
// is returned with INVALID_STATE. On success the current value of the word is
// returned.
func (t *Thread) AwaitAddress(addr, expected, ignoreMask uint64) (uint64, error) {
	m := t.mgr
	word, err := m.space.WaitWord(addr)
	if err != nil {
		return 0, err
	}
	var observed uint64
	_, _, err = m.block(t, blocking{
		state: Blocked,
		waits: []wait{m.addressWait(word, addr, expected, ignoreMask, &observed)},
	})
	if err != nil {
		return observed, err
	}
	return word.Load(), nil
}

// addressWait waits on addr while its word matches expected, storing the
// value it compared into observed.
func (m *Manager) addressWait(word *atomic.Uint64, addr, expected, ignoreMask uint64, observed *uint64) wait {
	return wait{
		table:      m.addr,
		key:        addr,
		ignoreMask: ignoreMask,
		check: func() error {
			*observed = word.Load()
			if *observed&^ignoreMask != expected&^ignoreMask {
				return result.InvalidState
			}
			return nil
		},
	}
}

// NotifyAddress wakes up to count threads waiting on addr, oldest first, and
// returns how many were woken. Waiters whose ignore mask shares a bit with
// wakeMask are skipped. A notification with nobody waiting is lost.
func (m *Manager) NotifyAddress(addr uint64, count int, wakeMask uint64) (int, error) {
	if _, err := m.space.WaitWord(addr); err != nil {
		return 0, err
	}
	if count < 0 {
		return 0, result.InvalidOption
	}
	return m.addr.Notify(addr, count, wakeMask), nil
}

// NotifyOne wakes the oldest thread waiting on addr.
func (m *Manager) NotifyOne(addr uint64) (int, error) {
	return m.NotifyAddress(addr, 1, 0)
}

// NotifyAll wakes every thread waiting on addr.
func (m *Manager) NotifyAll(addr uint64) (int, error) {
	if _, err := m.space.WaitWord(addr); err != nil {
		return 0, err
	}
	return m.addr.NotifyAll(addr), nil
}

// --- Sleep and pause ---

// Sleep blocks t for d. It returns nil once d has elapsed; the blocking
// timeout does not apply.
func (t *Thread) Sleep(d time.Duration) error {
	if d < 0 {
		return result.InvalidOption
	}
	cause, _, err := t.mgr.block(t, blocking{
		state:      Blocked,
		waits:      []wait{{table: t.mgr.sleeps, key: t.id}},
		timeout:    d,
		hasTimeout: true,
	})
	if cause == TimedOut {
		return nil
	}
	return err
}

// Pause blocks t until it is interrupted or killed, or its blocking timeout
// expires.
func (t *Thread) Pause() error {
	_, _, err := t.mgr.block(t, blocking{
		state: Blocked,
		waits: []wait{{table: t.mgr.sleeps, key: t.id}},
	})
	return err
}

// --- Join ---

// Join blocks t until the thread h refers to exits and returns its exit
// status. Joining a killed thread returns KILLED, whether or not it has
// exited. Joining oneself is INVALID_OPERATION; joining a detached thread, or
// one already joined or being joined by another thread, is INVALID_STATE.
func (t *Thread) Join(h handles.Handle) (int64, error) {
	m := t.mgr
	jc, err := m.joinTarget(t, h)
	if err != nil {
		return 0, err
	}
	if _, _, err := m.block(t, blocking{
		state: Blocked,
		waits: []wait{m.joinWait(jc)},
	}); err != nil {
		jc.release()
		return 0, err
	}
	return m.collect(jc)
}

// joinClaim is one joiner's hold on a target. While claimed, every other
// joiner and Detach see the target as taken.
type joinClaim struct {
	target  *Thread
	claimed bool
}

func (m *Manager) joinTarget(t *Thread, h handles.Handle) (*joinClaim, error) {
	target, err := m.resolve(t.ctx, h, handles.RightJoin, security.PermThreadJoin)
	if err != nil {
		return nil, err
	}
	if target == t {
		return nil, result.InvalidOperation
	}
	return &joinClaim{target: target}, nil
}

// joinWait waits for jc's target to exit or be killed. Its check claims the
// target under the join table lock, so of two concurrent joiners exactly one
// gets it.
func (m *Manager) joinWait(jc *joinClaim) wait {
	target := jc.target
	return wait{
		table: m.joins,
		key:   target.id,
		check: func() error {
			target.mu.Lock()
			defer target.mu.Unlock()
			if target.killed {
				return result.Killed
			}
			if target.detached || target.joined || (target.joining && !jc.claimed) {
				return result.InvalidState
			}
			target.joining, jc.claimed = true, true
			if target.exited {
				return errSatisfied
			}
			return nil
		},
	}
}

// collect completes a claimed join after the target exited or was killed.
func (m *Manager) collect(jc *joinClaim) (int64, error) {
	target := jc.target
	target.mu.Lock()
	target.joining, jc.claimed = false, false
	if target.killed {
		target.mu.Unlock()
		return 0, result.Killed
	}
	target.joined = true
	code := target.exitCode
	target.mu.Unlock()
	m.reap(target)
	return code, nil
}

// release gives up a claim that was not collected.
func (jc *joinClaim) release() {
	if jc == nil || !jc.claimed {
		return
	}
	jc.target.mu.Lock()
	jc.target.joining, jc.claimed = false, false
	jc.target.mu.Unlock()
}

// --- Interruption ---

// Interrupt interrupts the thread h refers to. A blocked target returns
// INTERRUPTED from its blocking call; otherwise the interrupt is banked for
// the target's next blocking call. At most one interrupt is banked.
// Interrupting a killed thread is KILLED.
func (m *Manager) Interrupt(ctx *security.Context, h handles.Handle) error {
	t, err := m.resolve(ctx, h, handles.RightSignal, security.PermThreadInterrupt)
	if err != nil {
		return err
	}
	return m.interrupt(t)
}

// interrupt returns KILLED for a killed target; interrupting an exited
// thread does nothing.
func (m *Manager) interrupt(t *Thread) error {
	t.mu.Lock()
	if t.killed {
		t.mu.Unlock()
		return result.Killed
	}
	if t.exited {
		t.mu.Unlock()
		return nil
	}
	// The flag stays set when the episode was already won by another wake
	// source; the next blocking call consumes it.
	t.interruptPending = true
	ep := t.current
	t.mu.Unlock()

	m.cancel(ep, Interrupted)
	return nil
}

// Unpark wakes or pre-unparks the thread h refers to, as t.
func (t *Thread) Unpark(h handles.Handle) error { return t.mgr.Unpark(t.ctx, h) }

// Interrupt interrupts the thread h refers to, as t.
func (t *Thread) Interrupt(h handles.Handle) error { return t.mgr.Interrupt(t.ctx, h) }

// Yield gives up the processor.
func (t *Thread) Yield() { t.mgr.Yield() }
