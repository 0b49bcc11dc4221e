// Package metrics exports allocator totals as Prometheus metrics. A
// Collector wraps a QueryInfo snapshot function, so any allocator in the
// stack — usually the root facade — can be scraped.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quietfold/gpumm/mem"
)

// Collector adapts a QueryInfo function to prometheus.Collector. Gauges
// report point-in-time usage; the prefetch and size-cache totals are
// monotonic counters.
type Collector struct {
	query func() mem.Info

	usedBlockBytes  *prometheus.Desc
	usedBlockCount  *prometheus.Desc
	usedMemoryBytes *prometheus.Desc
	usedMemoryCount *prometheus.Desc
	freeMemoryBytes *prometheus.Desc
	prefetchMisses  *prometheus.Desc
	prefetchHits    *prometheus.Desc
	sizeCacheMisses *prometheus.Desc
	sizeCacheHits   *prometheus.Desc
}

// NewCollector builds a collector in the given namespace (e.g. "gpumm").
func NewCollector(namespace string, query func() mem.Info) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &Collector{
		query:           query,
		usedBlockBytes:  desc("used_block_bytes", "Total size of reserved blocks in bytes."),
		usedBlockCount:  desc("used_block_count", "Number of reserved blocks."),
		usedMemoryBytes: desc("used_memory_bytes", "Total size of checked-out heaps in bytes."),
		usedMemoryCount: desc("used_memory_count", "Number of checked-out heaps."),
		freeMemoryBytes: desc("free_memory_bytes", "Pre-allocated capacity not backing any live allocation."),
		prefetchMisses:  desc("prefetched_memory_misses_total", "Prefetches that served no allocation: slabs released unused or failed acquisitions."),
		prefetchHits:    desc("prefetched_memory_hits_total", "Allocations served from a prefetched slab."),
		sizeCacheMisses: desc("size_cache_misses_total", "Requests that found no warmed capacity."),
		sizeCacheHits:   desc("size_cache_hits_total", "Requests served from warmed capacity."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.usedBlockBytes
	ch <- c.usedBlockCount
	ch <- c.usedMemoryBytes
	ch <- c.usedMemoryCount
	ch <- c.freeMemoryBytes
	ch <- c.prefetchMisses
	ch <- c.prefetchHits
	ch <- c.sizeCacheMisses
	ch <- c.sizeCacheHits
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	info := c.query()
	gauge := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge(c.usedBlockBytes, info.UsedBlockBytes)
	gauge(c.usedBlockCount, info.UsedBlockCount)
	gauge(c.usedMemoryBytes, info.UsedMemoryBytes)
	gauge(c.usedMemoryCount, info.UsedMemoryCount)
	gauge(c.freeMemoryBytes, info.FreeMemoryBytes)
	counter(c.prefetchMisses, info.PrefetchedMemoryMisses)
	counter(c.prefetchHits, info.PrefetchedMemoryHits)
	counter(c.sizeCacheMisses, info.SizeCacheMisses)
	counter(c.sizeCacheHits, info.SizeCacheHits)
}
