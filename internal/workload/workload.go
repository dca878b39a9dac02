// Package workload runs a synthetic wait/notify load against a thread manager
// so the exporter has live traffic to report.
package workload

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/phuslu/log"

	"threadwait/internal/config"
	"threadwait/internal/handles"
	"threadwait/internal/kernel/threads"
	"threadwait/internal/logger"
	"threadwait/internal/memory"
	"threadwait/internal/result"
	"threadwait/internal/security"
)

// Base is the address the workload maps its words at.
const Base = 0x7f0000000000

// Workload owns the producer, consumer and parker threads.
type Workload struct {
	mgr *threads.Manager
	ctx *security.Context
	cfg config.WorkloadConfig

	region  *memory.Region
	parkers []handles.Handle
	started []*threads.Thread
	next    atomic.Uint64 // round-robin parker index
	stop    atomic.Bool

	log log.Logger
}

// New maps the workload's addresses in mgr's space.
func New(mgr *threads.Manager, ctx *security.Context, cfg config.WorkloadConfig) (*Workload, error) {
	region, err := mgr.Space().Map(Base, cfg.Addresses, memory.Writable)
	if err != nil {
		return nil, fmt.Errorf("failed to map workload addresses: %w", err)
	}
	return &Workload{
		mgr:    mgr,
		ctx:    ctx,
		cfg:    cfg,
		region: region,
		log:    logger.NewLoggerWithContext("workload"),
	}, nil
}

func (w *Workload) addr(i int) uint64 {
	return w.region.Base() + uint64(i%w.cfg.Addresses)*memory.WordSize
}

// Start launches parkers first, then consumers, then producers, so that
// producers have parkers to unpark from their first round.
func (w *Workload) Start() error {
	for i := 0; i < w.cfg.Parkers; i++ {
		t, err := w.spawn(fmt.Sprintf("parker-%d", i), w.parker)
		if err != nil {
			return err
		}
		w.parkers = append(w.parkers, t.Handle())
	}
	for i := 0; i < w.cfg.Consumers; i++ {
		addr := w.addr(i)
		if _, err := w.spawn(fmt.Sprintf("consumer-%d", i), func(t *threads.Thread) int64 {
			return w.consumer(t, addr)
		}); err != nil {
			return err
		}
	}
	for i := 0; i < w.cfg.Producers; i++ {
		first := i
		if _, err := w.spawn(fmt.Sprintf("producer-%d", i), func(t *threads.Thread) int64 {
			return w.producer(t, first)
		}); err != nil {
			return err
		}
	}
	w.log.Info().
		Int("producers", w.cfg.Producers).
		Int("consumers", w.cfg.Consumers).
		Int("parkers", w.cfg.Parkers).
		Int("addresses", w.cfg.Addresses).
		Msg("Workload started")
	return nil
}

func (w *Workload) spawn(name string, fn func(*threads.Thread) int64) (*threads.Thread, error) {
	t, err := w.mgr.Start(w.ctx, name, fn)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	w.started = append(w.started, t)
	return t, nil
}

// done reports whether a blocking result should end the thread loop.
func (w *Workload) done(err error) bool {
	return errors.Is(err, result.Killed) || w.stop.Load()
}

// setTimeout applies the configured wait timeout to t.
func (w *Workload) setTimeout(t *threads.Thread) {
	if w.cfg.WaitTimeout <= 0 {
		return
	}
	if err := t.SetBlockingTimeout(w.cfg.WaitTimeout); err != nil {
		w.log.Warn().Err(err).Uint64("thread", t.ID()).Dur("timeout", w.cfg.WaitTimeout).
			Msg("failed to set blocking timeout")
	}
}

func (w *Workload) consumer(t *threads.Thread, addr uint64) int64 {
	w.setTimeout(t)
	for {
		v, err := w.mgr.Space().Load(addr)
		if err != nil {
			return 1
		}
		// A mismatch means a producer stored in between; reload and retry.
		_, err = t.AwaitAddress(addr, v, 0)
		if w.done(err) {
			return 0
		}
	}
}

func (w *Workload) parker(t *threads.Thread) int64 {
	w.setTimeout(t)
	for {
		if err := t.Park(); w.done(err) {
			return 0
		}
	}
}

func (w *Workload) producer(t *threads.Thread, first int) int64 {
	for i := first; ; i++ {
		if err := t.Sleep(w.cfg.NotifyInterval); w.done(err) {
			return 0
		}
		addr := w.addr(i)
		if _, err := w.mgr.Space().Add(addr, 1); err != nil {
			return 1
		}
		if _, err := w.mgr.NotifyOne(addr); err != nil {
			return 1
		}
		if n := len(w.parkers); n > 0 {
			h := w.parkers[w.next.Add(1)%uint64(n)]
			if err := t.Unpark(h); err != nil && !errors.Is(err, result.InvalidHandle) && !errors.Is(err, result.Killed) {
				w.log.Warn().Err(err).Uint64("handle", uint64(h)).Msg("unpark failed")
			}
		}
	}
}

// Stop interrupts every workload thread and waits for them to exit or for
// ctx to end. Handles are closed for threads that exited.
func (w *Workload) Stop(ctx context.Context) error {
	w.stop.Store(true)
	for _, t := range w.started {
		// A thread that already exited or was killed has nothing to interrupt.
		if err := w.mgr.Interrupt(w.ctx, t.Handle()); err != nil &&
			!errors.Is(err, result.InvalidHandle) && !errors.Is(err, result.Killed) {
			w.log.Warn().Err(err).Uint64("thread", t.ID()).Msg("interrupt failed")
		}
	}
	for _, t := range w.started {
		select {
		case <-t.Done():
			if err := w.mgr.CloseHandle(t.Handle()); err != nil {
				w.log.Warn().Err(err).Uint64("thread", t.ID()).Msg("failed to close thread handle")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.log.Info().Int("threads", len(w.started)).Msg("Workload stopped")
	return nil
}
