package threads

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"threadwait/internal/handles"
	"threadwait/internal/result"
)

// EventKind selects what an Event waits for.
type EventKind int

const (
	// EventAwaitAddress fires when the word at Address is notified while it
	// matches Expected, as AwaitAddress does.
	EventAwaitAddress EventKind = iota + 1
	// EventJoinThread fires when the thread Thread refers to exits, as Join
	// does.
	EventJoinThread
)

// Event is one entry of a multi-event wait. The output fields are written by
// the wait.
type Event struct {
	Kind EventKind

	Address    uint64
	Expected   uint64
	IgnoreMask uint64

	Thread handles.Handle

	// Value is the word observed by an address event: its current value once
	// fired, or the mismatching value with INVALID_STATE.
	Value uint64
	// ExitCode is the exit status collected by a fired join event.
	ExitCode int64
	Fired    bool
}

// eventWait is an Event resolved for blocking.
type eventWait struct {
	index int
	ev    *Event
	word  *atomic.Uint64
	join  *joinClaim

	// armed is set once an address event has been registered with a
	// matching word; a later mismatch means it changed and counts as fired.
	armed bool
}

// eventWaits validates events and resolves their words and join targets.
// Errors name the offending event.
func (m *Manager) eventWaits(t *Thread, events []Event) ([]*eventWait, error) {
	ews := make([]*eventWait, len(events))
	for i := range events {
		ew := &eventWait{index: i, ev: &events[i]}
		ev := ew.ev
		ev.Fired = false
		switch ev.Kind {
		case EventAwaitAddress:
			word, err := m.space.WaitWord(ev.Address)
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
			ew.word = word
		case EventJoinThread:
			jc, err := m.joinTarget(t, ev.Thread)
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
			ew.join = jc
		default:
			return nil, fmt.Errorf("event %d: %w", i, result.InvalidOption)
		}
		ews[i] = ew
	}
	return ews, nil
}

func (ew *eventWait) asWait(m *Manager) wait {
	var wt wait
	if ew.join != nil {
		wt = m.joinWait(ew.join)
	} else {
		ev := ew.ev
		wt = m.addressWait(ew.word, ev.Address, ev.Expected, ev.IgnoreMask, &ev.Value)
		match := wt.check
		wt.check = func() error {
			err := match()
			if err == nil {
				ew.armed = true
			} else if ew.armed {
				return errSatisfied
			}
			return err
		}
	}
	check := wt.check
	wt.check = func() error {
		err := check()
		if err == nil || errors.Is(err, errSatisfied) {
			return err
		}
		return fmt.Errorf("event %d: %w", ew.index, err)
	}
	return wt
}

// complete records that ew fired.
func (ew *eventWait) complete(m *Manager) error {
	ev := ew.ev
	if ew.join != nil {
		code, err := m.collect(ew.join)
		if err != nil {
			return fmt.Errorf("event %d: %w", ew.index, err)
		}
		ev.ExitCode = code
	} else {
		ev.Value = ew.word.Load()
	}
	ev.Fired = true
	return nil
}

func releaseJoins(ews []*eventWait) {
	for _, ew := range ews {
		ew.join.release()
	}
}

// anyOf blocks t on every event of pending at once and returns the position
// in pending of the one that fired. Exactly one event fires per call.
// A zero deadline applies the thread's blocking timeout.
func (m *Manager) anyOf(t *Thread, pending []*eventWait, deadline time.Time) (int, error) {
	waits := make([]wait, len(pending))
	for i, ew := range pending {
		waits[i] = ew.asWait(m)
	}
	_, fired, err := m.block(t, blocking{
		state:    Blocked,
		waits:    waits,
		deadline: deadline,
	})
	if err != nil {
		return fired, err
	}
	return fired, pending[fired].complete(m)
}

// BlockOnEventsAny blocks t until one of events fires and returns its index.
// Address events fire on a notify, join events when their thread exits; an
// event whose condition already holds fires without blocking. An empty list
// behaves like Pause and returns -1.
//
// An event that fails its check ends the call with that event's index and
// its error. The blocking timeout applies to the whole call.
func (t *Thread) BlockOnEventsAny(events []Event) (int, error) {
	if len(events) == 0 {
		return -1, t.Pause()
	}
	m := t.mgr
	ews, err := m.eventWaits(t, events)
	if err != nil {
		return -1, err
	}
	defer releaseJoins(ews)

	i, err := m.anyOf(t, ews, time.Time{})
	if i < 0 {
		return -1, err
	}
	return ews[i].index, err
}

// BlockOnEventsAll blocks t until every event of events has fired and
// returns how many fired. An address event whose word changed while t was
// collecting other events counts as fired. The blocking timeout bounds the
// whole call, not each event; on an error the count fired so far is returned
// and Fired marks which.
func (t *Thread) BlockOnEventsAll(events []Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	m := t.mgr
	ews, err := m.eventWaits(t, events)
	if err != nil {
		return 0, err
	}
	defer releaseJoins(ews)

	var deadline time.Time
	if d, ok := t.BlockingTimeout(); ok {
		deadline = m.clock.Now().Add(d)
	}
	pending := append([]*eventWait(nil), ews...)
	fired := 0
	for len(pending) > 0 {
		i, err := m.anyOf(t, pending, deadline)
		if err != nil {
			return fired, err
		}
		fired++
		pending = append(pending[:i], pending[i+1:]...)
	}
	return fired, nil
}
