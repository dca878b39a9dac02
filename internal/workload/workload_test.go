package workload

import (
	"context"
	"errors"
	"testing"
	"time"

	"threadwait/internal/config"
	"threadwait/internal/kernel/threads"
	"threadwait/internal/result"
	"threadwait/internal/security"
)

func newWorkload(t *testing.T, cfg config.WorkloadConfig) (*threads.Manager, *Workload) {
	t.Helper()
	m := threads.NewManager(threads.Options{})
	t.Cleanup(m.Close)
	ctx := security.NewDefaultContext("test", map[security.Class]int64{
		security.ClassBlocking: 64,
		security.ClassThreads:  64,
	})
	w, err := New(m, ctx, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m, w
}

func TestWorkloadProducesWakes(t *testing.T) {
	m, w := newWorkload(t, config.WorkloadConfig{
		Enabled:        true,
		Producers:      2,
		Consumers:      4,
		Parkers:        2,
		Addresses:      2,
		NotifyInterval: time.Millisecond,
		WaitTimeout:    20 * time.Millisecond,
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	d := m.Diagnostics()
	deadline := time.Now().Add(5 * time.Second)
	for d.Wakes(threads.Notified) == 0 || d.Wakes(threads.Unparked) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected notified and unparked wakes, got %d and %d",
				d.Wakes(threads.Notified), d.Wakes(threads.Unparked))
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	for _, th := range w.started {
		code, exited := th.ExitCode()
		if !exited || code != 0 {
			t.Errorf("Expected %s to exit with 0, got %d (exited %v)", th.Name(), code, exited)
		}
		if _, err := m.Lookup(th.Handle()); !errors.Is(err, result.InvalidHandle) {
			t.Errorf("Expected the handle of %s to be closed, got %v", th.Name(), err)
		}
	}
	if n := m.Gate().Rejections(security.ClassBlocking); n != 0 {
		t.Errorf("Expected no blocking limit rejections, got %d", n)
	}
}

func TestNewRejectsOverlappingMapping(t *testing.T) {
	cfg := config.DefaultConfig().Workload
	m, _ := newWorkload(t, cfg)
	if _, err := New(m, nil, cfg); err == nil {
		t.Errorf("Expected error mapping the workload twice")
	}
}

func TestStopHonorsContext(t *testing.T) {
	_, w := newWorkload(t, config.WorkloadConfig{
		Producers:      1,
		Addresses:      1,
		NotifyInterval: time.Hour,
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Either outcome is valid; Stop only has to return.
	done := make(chan error, 1)
	go func() { done <- w.Stop(ctx) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Expected Stop to return")
	}
}
