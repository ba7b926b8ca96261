package observability

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSource provides pebble metrics, e.g. *pebble.Store of the storage
// package.
type MetricsSource interface {
	Metrics() *pebble.Metrics
}

type pebbleMetric struct {
	desc  *prometheus.Desc
	typ   prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

func newPebbleMetric(name, help string, typ prometheus.ValueType, value func(m *pebble.Metrics) float64) pebbleMetric {
	return pebbleMetric{
		desc:  prometheus.NewDesc("docindex_pebble_"+name, help, nil, nil),
		typ:   typ,
		value: value,
	}
}

// PebbleCollector exposes compaction, memtable, WAL and cache metrics of the
// document store.
type PebbleCollector struct {
	src     MetricsSource
	metrics []pebbleMetric
}

var _ prometheus.Collector = (*PebbleCollector)(nil)

// NewPebbleCollector creates a collector reading src on every scrape.
func NewPebbleCollector(src MetricsSource) *PebbleCollector {
	counter, gauge := prometheus.CounterValue, prometheus.GaugeValue
	return &PebbleCollector{
		src: src,
		metrics: []pebbleMetric{
			newPebbleMetric("compaction_count_total", "Total number of compactions performed", counter,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
			newPebbleMetric("compaction_estimated_debt_bytes", "Estimated bytes to compact to reach a stable state", gauge,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
			newPebbleMetric("compaction_in_progress_bytes", "Bytes being compacted currently", gauge,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
			newPebbleMetric("flush_count_total", "Total number of memtable flushes", counter,
				func(m *pebble.Metrics) float64 { return float64(m.Flush.Count) }),
			newPebbleMetric("memtable_size_bytes", "Current size of the memtables in bytes", gauge,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
			newPebbleMetric("memtable_count", "Current count of memtables", gauge,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
			newPebbleMetric("wal_files", "Number of live WAL files", gauge,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
			newPebbleMetric("wal_size_bytes", "Size of live WAL data in bytes", gauge,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
			newPebbleMetric("wal_bytes_in_total", "Total logical bytes written to the WAL", counter,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesIn) }),
			newPebbleMetric("wal_bytes_written_total", "Total physical bytes written to the WAL", counter,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
			newPebbleMetric("block_cache_hits_total", "Block cache hits", counter,
				func(m *pebble.Metrics) float64 { return float64(m.BlockCache.Hits) }),
			newPebbleMetric("block_cache_misses_total", "Block cache misses", counter,
				func(m *pebble.Metrics) float64 { return float64(m.BlockCache.Misses) }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	pm := c.src.Metrics()
	if pm == nil {
		return
	}
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.typ, m.value(pm))
	}
}
