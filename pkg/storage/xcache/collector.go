package xcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource 提供统计快照，Loader 实现了它。
type StatsSource interface {
	Stats() Stats
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(Stats) uint64
}

// Collector 把 Loader 统计导出为 Prometheus 指标。
// 每次抓取时读取快照，不在请求路径上产生额外开销。
type Collector struct {
	src      StatsSource
	counters []counterDesc
	entries  *prometheus.Desc
	ratio    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector 创建 Collector。namespace 为空时使用 "xguard"。
// constLabels 可为 nil。
func NewCollector(src StatsSource, namespace string, constLabels prometheus.Labels) *Collector {
	if namespace == "" {
		namespace = "xguard"
	}
	name := func(n string) string {
		return prometheus.BuildFQName(namespace, "cache", n)
	}
	counter := func(n, help string, fn func(Stats) uint64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(name(n), help, nil, constLabels),
			value: fn,
		}
	}

	return &Collector{
		src: src,
		counters: []counterDesc{
			counter("hits_total", "Remote cache hits.", func(s Stats) uint64 { return s.Hits }),
			counter("misses_total", "Remote cache misses.", func(s Stats) uint64 { return s.Misses }),
			counter("local_hits_total", "Local tier hits.", func(s Stats) uint64 { return s.LocalHits }),
			counter("store_errors_total", "Remote read errors treated as misses.", func(s Stats) uint64 { return s.StoreErrors }),
			counter("set_errors_total", "Failed cache writes after a load.", func(s Stats) uint64 { return s.SetErrors }),
			counter("loads_total", "Data source invocations.", func(s Stats) uint64 { return s.Loads }),
			counter("load_errors_total", "Failed data source invocations.", func(s Stats) uint64 { return s.LoadErrors }),
			counter("throttled_total", "Loads rejected by the source limiter.", func(s Stats) uint64 { return s.Throttled }),
			counter("lock_waits_total", "Lock wait rounds that timed out.", func(s Stats) uint64 { return s.LockWaits }),
			counter("lock_contentions_total", "Mutex loads that exhausted all attempts.", func(s Stats) uint64 { return s.LockContentions }),
			counter("lock_fallbacks_total", "Loads performed without lock because the lock backend failed.", func(s Stats) uint64 { return s.LockFallbacks }),
			counter("refresh_scheduled_total", "Background refresh tasks queued.", func(s Stats) uint64 { return s.RefreshScheduled }),
			counter("refresh_deduped_total", "Refresh submissions merged into an in-flight task.", func(s Stats) uint64 { return s.RefreshDeduped }),
			counter("refresh_dropped_total", "Refresh submissions dropped.", func(s Stats) uint64 { return s.RefreshDropped }),
			counter("refresh_skipped_total", "Refresh tasks skipped because the entry was fresh.", func(s Stats) uint64 { return s.RefreshSkipped }),
			counter("refresh_runs_total", "Refresh tasks that reloaded the source.", func(s Stats) uint64 { return s.RefreshRuns }),
			counter("refresh_failures_total", "Failed refresh tasks.", func(s Stats) uint64 { return s.RefreshFailures }),
			counter("preheats_total", "Preheat writes.", func(s Stats) uint64 { return s.Preheats }),
			counter("invalidations_total", "Invalidate calls.", func(s Stats) uint64 { return s.Invalidations }),
			counter("invalidations_received_total", "Invalidation broadcasts received.", func(s Stats) uint64 { return s.InvalidationsReceived }),
		},
		entries: prometheus.NewDesc(name("local_entries"), "Entries in the default local tier.", nil, constLabels),
		ratio:   prometheus.NewDesc(name("hit_ratio"), "Remote hit ratio since start.", nil, constLabels),
	}
}

// Describe 实现 prometheus.Collector。
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.entries
	ch <- c.ratio
}

// Collect 实现 prometheus.Collector。
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.value(s)))
	}
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.LocalEntries))
	ch <- prometheus.MustNewConstMetric(c.ratio, prometheus.GaugeValue, s.HitRatio())
}
