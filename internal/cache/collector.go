package cache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Source is a cache that can be exported as Prometheus metrics.
type Source interface {
	Name() string
	Stats(ctx context.Context) (Stats, error)
	Metrics() *Metrics
}

// Collector exports the counters and sizes of a set of caches. Values are
// read at scrape time, so one collector can be registered once and serve
// any number of caches.
type Collector struct {
	sources []Source
	timeout time.Duration

	memoryEntries *prometheus.Desc
	diskEntries   *prometheus.Desc
	diskBytes     *prometheus.Desc
	hits          *prometheus.Desc
	misses        *prometheus.Desc
	evictions     *prometheus.Desc
	errors        *prometheus.Desc
	downloaded    *prometheus.Desc
	preloads      *prometheus.Desc
	latency       *prometheus.Desc
}

// NewCollector creates a collector for the given caches.
func NewCollector(sources ...Source) *Collector {
	label := []string{"cache"}
	return &Collector{
		sources: sources,
		timeout: 5 * time.Second,

		memoryEntries: prometheus.NewDesc("mapcache_memory_entries",
			"Entries held in the memory tier", label, nil),
		diskEntries: prometheus.NewDesc("mapcache_durable_entries",
			"Entries held in the durable tier", label, nil),
		diskBytes: prometheus.NewDesc("mapcache_durable_bytes",
			"Payload bytes held in the durable tier", label, nil),
		hits: prometheus.NewDesc("mapcache_hits_total",
			"Cache hits by tier", []string{"cache", "tier"}, nil),
		misses: prometheus.NewDesc("mapcache_misses_total",
			"Misses filled from the origin", label, nil),
		evictions: prometheus.NewDesc("mapcache_evictions_total",
			"Durable entries evicted", label, nil),
		errors: prometheus.NewDesc("mapcache_errors_total",
			"Failed cache operations", label, nil),
		downloaded: prometheus.NewDesc("mapcache_downloaded_bytes_total",
			"Bytes fetched from the origin by foreground reads", label, nil),
		preloads: prometheus.NewDesc("mapcache_preloads_total",
			"Background preloads by outcome", []string{"cache", "outcome"}, nil),
		latency: prometheus.NewDesc("mapcache_get_latency_seconds",
			"Average foreground get latency", label, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.memoryEntries, c.diskEntries, c.diskBytes, c.hits, c.misses,
		c.evictions, c.errors, c.downloaded, c.preloads, c.latency,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, src := range c.sources {
		name := src.Name()

		if stats, err := src.Stats(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(c.memoryEntries, prometheus.GaugeValue, float64(stats.MemoryEntries), name)
			ch <- prometheus.MustNewConstMetric(c.diskEntries, prometheus.GaugeValue, float64(stats.DiskEntries), name)
			ch <- prometheus.MustNewConstMetric(c.diskBytes, prometheus.GaugeValue, float64(stats.TotalBytes), name)
		}

		m := src.Metrics()
		if m == nil {
			continue
		}
		snap := m.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(snap.MemoryHits), name, "memory")
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(snap.DurableHits), name, "durable")
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(snap.Misses), name)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(snap.Evictions), name)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(snap.Errors), name)
		ch <- prometheus.MustNewConstMetric(c.downloaded, prometheus.CounterValue, float64(snap.BytesDownloaded), name)
		ch <- prometheus.MustNewConstMetric(c.preloads, prometheus.CounterValue, float64(snap.PreloadsCompleted), name, "completed")
		ch <- prometheus.MustNewConstMetric(c.preloads, prometheus.CounterValue, float64(snap.PreloadsFailed), name, "failed")
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, snap.AverageGetLatency.Seconds(), name)
	}
}
