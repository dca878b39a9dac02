// Package metrics exposes the thread manager's counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"threadwait/internal/kernel/threads"
	"threadwait/internal/security"
)

// Collector implements prometheus.Collector over a threads.Manager. It reads
// the manager's atomic counters at scrape time and keeps no state of its own.
type Collector struct {
	mgr *threads.Manager

	// Metric Descriptors
	wakesDesc            *prometheus.Desc
	episodesDesc         *prometheus.Desc
	episodeDurationDesc  *prometheus.Desc
	waitersDesc          *prometheus.Desc
	pendingDeadlinesDesc *prometheus.Desc
	limitRejectionsDesc  *prometheus.Desc
	staleTimeoutsDesc    *prometheus.Desc
	threadsDesc          *prometheus.Desc
	threadsStartedDesc   *prometheus.Desc
	intervalEpisodesDesc *prometheus.Desc
	intervalWakesDesc    *prometheus.Desc
}

// NewCollector creates a collector for mgr.
func NewCollector(mgr *threads.Manager) *Collector {
	return &Collector{
		mgr: mgr,
		wakesDesc: prometheus.NewDesc(
			"threadwait_wakes_total",
			"Total number of blocking episodes ended, by wake cause.",
			[]string{"cause"}, nil,
		),
		episodesDesc: prometheus.NewDesc(
			"threadwait_episodes_total",
			"Total number of blocking episodes that reached a wait queue.",
			nil, nil,
		),
		episodeDurationDesc: prometheus.NewDesc(
			"threadwait_episode_duration_seconds",
			"Histogram of the time threads spent blocked per episode.",
			nil, nil,
		),
		waitersDesc: prometheus.NewDesc(
			"threadwait_waiters",
			"Number of threads currently queued, by wait table.",
			[]string{"table"}, nil,
		),
		pendingDeadlinesDesc: prometheus.NewDesc(
			"threadwait_pending_deadlines",
			"Number of armed blocking deadlines.",
			nil, nil,
		),
		limitRejectionsDesc: prometheus.NewDesc(
			"threadwait_limit_rejections_total",
			"Total number of operations refused by a resource limit, by resource class.",
			[]string{"class"}, nil,
		),
		staleTimeoutsDesc: prometheus.NewDesc(
			"threadwait_stale_timeouts_total",
			"Total number of deadlines that fired after their episode had already been woken.",
			nil, nil,
		),
		threadsDesc: prometheus.NewDesc(
			"threadwait_threads",
			"Number of unreaped threads, by state.",
			[]string{"state"}, nil,
		),
		threadsStartedDesc: prometheus.NewDesc(
			"threadwait_threads_started_total",
			"Total number of threads started.",
			nil, nil,
		),
		intervalEpisodesDesc: prometheus.NewDesc(
			"threadwait_interval_episodes",
			"Blocking episodes in the last completed diagnostics interval.",
			nil, nil,
		),
		intervalWakesDesc: prometheus.NewDesc(
			"threadwait_interval_wakes",
			"Blocking episodes ended in the last completed diagnostics interval, by wake cause.",
			[]string{"cause"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.wakesDesc
	ch <- c.episodesDesc
	ch <- c.episodeDurationDesc
	ch <- c.waitersDesc
	ch <- c.pendingDeadlinesDesc
	ch <- c.limitRejectionsDesc
	ch <- c.staleTimeoutsDesc
	ch <- c.threadsDesc
	ch <- c.threadsStartedDesc
	ch <- c.intervalEpisodesDesc
	ch <- c.intervalWakesDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	d := c.mgr.Diagnostics()

	for _, cause := range threads.Causes {
		ch <- prometheus.MustNewConstMetric(
			c.wakesDesc, prometheus.CounterValue,
			float64(d.Wakes(cause)), cause.String(),
		)
	}
	ch <- prometheus.MustNewConstMetric(c.episodesDesc, prometheus.CounterValue, float64(d.Episodes()))

	count, sum, buckets := d.EpisodeDurations()
	ch <- prometheus.MustNewConstHistogram(c.episodeDurationDesc, count, sum, buckets)

	for table, n := range c.mgr.Waiting() {
		ch <- prometheus.MustNewConstMetric(c.waitersDesc, prometheus.GaugeValue, float64(n), table)
	}
	ch <- prometheus.MustNewConstMetric(
		c.pendingDeadlinesDesc, prometheus.GaugeValue, float64(c.mgr.PendingDeadlines()),
	)

	gate := c.mgr.Gate()
	for _, class := range []security.Class{security.ClassBlocking, security.ClassThreads} {
		ch <- prometheus.MustNewConstMetric(
			c.limitRejectionsDesc, prometheus.CounterValue,
			float64(gate.Rejections(class)), string(class),
		)
	}
	ch <- prometheus.MustNewConstMetric(c.staleTimeoutsDesc, prometheus.CounterValue, float64(d.StaleTimeouts()))

	// Report every state so series do not disappear when a count drops to zero.
	counts := c.mgr.Threads()
	for _, s := range threads.States {
		ch <- prometheus.MustNewConstMetric(c.threadsDesc, prometheus.GaugeValue, float64(counts[s]), s.String())
	}
	ch <- prometheus.MustNewConstMetric(c.threadsStartedDesc, prometheus.CounterValue, float64(d.ThreadsStarted()))

	// Interval series appear once the first interval has been reported.
	history := d.History()
	if len(history) == 0 {
		return
	}
	last := history[len(history)-1]
	ch <- prometheus.MustNewConstMetric(c.intervalEpisodesDesc, prometheus.GaugeValue, float64(last.Episodes))
	for _, cause := range threads.Causes {
		ch <- prometheus.MustNewConstMetric(
			c.intervalWakesDesc, prometheus.GaugeValue,
			float64(last.Wakes[cause]), cause.String(),
		)
	}
}
