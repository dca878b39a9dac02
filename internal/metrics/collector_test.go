package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"threadwait/internal/kernel/threads"
	"threadwait/internal/memory"
)

func TestCollectorReportsManagerCounters(t *testing.T) {
	mgr := threads.NewManager(threads.Options{})
	defer mgr.Close()
	if _, err := mgr.Space().Map(0x1000, 1, memory.Writable); err != nil {
		t.Fatal(err)
	}

	th, err := mgr.Start(nil, "sleeper", func(th *threads.Thread) int64 {
		if err := th.SetBlockingTimeout(0); err != nil {
			return 1
		}
		th.AwaitAddress(0x1000, 0, 0)
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-th.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for thread")
	}

	c := NewCollector(mgr)
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}

	expected := `
# HELP threadwait_wakes_total Total number of blocking episodes ended, by wake cause.
# TYPE threadwait_wakes_total counter
threadwait_wakes_total{cause="interrupted"} 0
threadwait_wakes_total{cause="killed"} 0
threadwait_wakes_total{cause="notified"} 0
threadwait_wakes_total{cause="timed_out"} 1
threadwait_wakes_total{cause="unparked"} 0
# HELP threadwait_episodes_total Total number of blocking episodes that reached a wait queue.
# TYPE threadwait_episodes_total counter
threadwait_episodes_total 1
# HELP threadwait_waiters Number of threads currently queued, by wait table.
# TYPE threadwait_waiters gauge
threadwait_waiters{table="address"} 0
threadwait_waiters{table="join"} 0
threadwait_waiters{table="park"} 0
threadwait_waiters{table="sleep"} 0
# HELP threadwait_threads_started_total Total number of threads started.
# TYPE threadwait_threads_started_total counter
threadwait_threads_started_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"threadwait_wakes_total", "threadwait_episodes_total", "threadwait_waiters",
		"threadwait_threads_started_total"); err != nil {
		t.Error(err)
	}

	if n := testutil.CollectAndCount(c, "threadwait_threads"); n != len(threads.States) {
		t.Errorf("Expected one threads series per state, got %d", n)
	}
}

func TestCollectorReportsLastInterval(t *testing.T) {
	mgr := threads.NewManager(threads.Options{})
	defer mgr.Close()
	c := NewCollector(mgr)
	if n := testutil.CollectAndCount(c, "threadwait_interval_episodes"); n != 0 {
		t.Errorf("Expected no interval series before the first report, got %d", n)
	}

	th, err := mgr.Start(nil, "sleeper", func(th *threads.Thread) int64 {
		if err := th.SetBlockingTimeout(0); err != nil {
			return 1
		}
		th.Pause()
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-th.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for thread")
	}
	mgr.ReportDiagnostics()

	expected := `
# HELP threadwait_interval_episodes Blocking episodes in the last completed diagnostics interval.
# TYPE threadwait_interval_episodes gauge
threadwait_interval_episodes 1
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "threadwait_interval_episodes"); err != nil {
		t.Error(err)
	}
	if n := testutil.CollectAndCount(c, "threadwait_interval_wakes"); n != len(threads.Causes) {
		t.Errorf("Expected one interval wakes series per cause, got %d", n)
	}
}
