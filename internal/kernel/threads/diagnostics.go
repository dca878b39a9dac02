package threads

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

// DiagnosticsSample holds the counters of a single reporting interval.
type DiagnosticsSample struct {
	Timestamp     time.Time
	Episodes      uint64
	Wakes         [causeCount]uint64
	StaleTimeouts uint64
	ThreadsStart  uint64
}

// EpisodeBuckets are the upper bounds, in seconds, of the episode duration
// histogram.
var EpisodeBuckets = [...]float64{0.0001, 0.001, 0.01, 0.1, 1, 10, 60}

// Diagnostics holds the hot-path counters of one Manager.
type Diagnostics struct {
	episodes      atomic.Uint64
	durCount      atomic.Uint64
	durSumNanos   atomic.Uint64
	durBuckets    [len(EpisodeBuckets)]atomic.Uint64 // non-cumulative
	wakes         [causeCount]atomic.Uint64
	staleTimeouts atomic.Uint64
	threadsStart  atomic.Uint64

	// interval counters, swapped out by Report
	ivEpisodes      atomic.Uint64
	ivWakes         [causeCount]atomic.Uint64
	ivStaleTimeouts atomic.Uint64
	ivThreadsStart  atomic.Uint64

	mu      sync.Mutex
	history []DiagnosticsSample
}

const maxDiagnosticsHistory = 720

// --- Recording functions (called from the hot path) ---

func (d *Diagnostics) recordEpisode() {
	d.episodes.Add(1)
	d.ivEpisodes.Add(1)
}

func (d *Diagnostics) recordWake(c Cause) {
	d.wakes[c].Add(1)
	d.ivWakes[c].Add(1)
}

func (d *Diagnostics) recordDuration(dur time.Duration) {
	if dur < 0 {
		dur = 0
	}
	d.durCount.Add(1)
	d.durSumNanos.Add(uint64(dur))
	secs := dur.Seconds()
	for i, le := range EpisodeBuckets {
		if secs <= le {
			d.durBuckets[i].Add(1)
			break
		}
	}
}

func (d *Diagnostics) recordStaleTimeout() {
	d.staleTimeouts.Add(1)
	d.ivStaleTimeouts.Add(1)
}

func (d *Diagnostics) recordThreadStart() {
	d.threadsStart.Add(1)
	d.ivThreadsStart.Add(1)
}

// Episodes returns the number of blocking episodes that reached the wait queue.
func (d *Diagnostics) Episodes() uint64 { return d.episodes.Load() }

// Wakes returns how many episodes ended with cause c.
func (d *Diagnostics) Wakes(c Cause) uint64 {
	if c <= causeNone || c >= causeCount {
		return 0
	}
	return d.wakes[c].Load()
}

// EpisodeDurations returns the episode duration histogram: the number of
// observations, their sum in seconds and the cumulative count per upper bound.
func (d *Diagnostics) EpisodeDurations() (count uint64, sum float64, buckets map[float64]uint64) {
	buckets = make(map[float64]uint64, len(EpisodeBuckets))
	var cumulative uint64
	for i, le := range EpisodeBuckets {
		cumulative += d.durBuckets[i].Load()
		buckets[le] = cumulative
	}
	return d.durCount.Load(), time.Duration(d.durSumNanos.Load()).Seconds(), buckets
}

// StaleTimeouts returns how many deadlines fired for an episode that had
// already been woken.
func (d *Diagnostics) StaleTimeouts() uint64 { return d.staleTimeouts.Load() }

// ThreadsStarted returns the number of threads started.
func (d *Diagnostics) ThreadsStarted() uint64 { return d.threadsStart.Load() }

// Report closes the current interval, appends it to the history and logs it.
// Quiet intervals are recorded but not logged.
func (d *Diagnostics) Report(l *log.Logger, live int) DiagnosticsSample {
	s := DiagnosticsSample{
		Timestamp:     time.Now(),
		Episodes:      d.ivEpisodes.Swap(0),
		StaleTimeouts: d.ivStaleTimeouts.Swap(0),
		ThreadsStart:  d.ivThreadsStart.Swap(0),
	}
	for i := range s.Wakes {
		s.Wakes[i] = d.ivWakes[i].Swap(0)
	}

	d.mu.Lock()
	if len(d.history) == maxDiagnosticsHistory {
		copy(d.history, d.history[1:])
		d.history = d.history[:len(d.history)-1]
	}
	d.history = append(d.history, s)
	d.mu.Unlock()

	if s.Episodes == 0 && s.ThreadsStart == 0 {
		return s
	}
	l.Debug().
		Int("live_threads", live).
		Uint64("episodes", s.Episodes).
		Uint64("notified", s.Wakes[Notified]).
		Uint64("timed_out", s.Wakes[TimedOut]).
		Uint64("interrupted", s.Wakes[Interrupted]).
		Uint64("unparked", s.Wakes[Unparked]).
		Uint64("killed", s.Wakes[CauseKilled]).
		Uint64("stale_timeouts", s.StaleTimeouts).
		Uint64("threads_started", s.ThreadsStart).
		Msg("Thread manager diagnostics (per interval)")
	return s
}

// History returns a copy of the recorded intervals, oldest first.
func (d *Diagnostics) History() []DiagnosticsSample {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DiagnosticsSample(nil), d.history...)
}
