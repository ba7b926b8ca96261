package docindex

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/docindex/executor"
)

// MetricsObserver receives indexing events from the map and reduce executors.
// Implement this interface to integrate with monitoring systems; the
// observability package provides a Prometheus implementation.
type MetricsObserver = executor.Observer

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver = executor.NoopObserver

// BasicMetricsObserver provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsObserver struct {
	PassCount        atomic.Int64
	PassErrors       atomic.Int64
	PassIndexes      atomic.Int64
	PassTotalNanos   atomic.Int64
	TaskCount        atomic.Int64
	TaskErrors       atomic.Int64
	OutOfMemory      atomic.Int64
	CircuitBroken    atomic.Int64
	IdleTimeouts     atomic.Int64
	DocumentsTouched atomic.Int64
	BatchSize        atomic.Int64
}

var _ MetricsObserver = (*BasicMetricsObserver)(nil)

// OnPass implements MetricsObserver.
func (b *BasicMetricsObserver) OnPass(_ string, indexes int, d time.Duration, err error) {
	b.PassCount.Add(1)
	b.PassIndexes.Add(int64(indexes))
	b.PassTotalNanos.Add(d.Nanoseconds())
	if err != nil {
		b.PassErrors.Add(1)
	}
}

// OnTask implements MetricsObserver.
func (b *BasicMetricsObserver) OnTask(_, _ string, _ time.Duration, err error) {
	b.TaskCount.Add(1)
	if err != nil {
		b.TaskErrors.Add(1)
	}
}

// OnOutOfMemory implements MetricsObserver.
func (b *BasicMetricsObserver) OnOutOfMemory(string) { b.OutOfMemory.Add(1) }

// OnCircuitBroken implements MetricsObserver.
func (b *BasicMetricsObserver) OnCircuitBroken(_, _ string) { b.CircuitBroken.Add(1) }

// OnIdle implements MetricsObserver.
func (b *BasicMetricsObserver) OnIdle(string) { b.IdleTimeouts.Add(1) }

// OnDocumentsTouched implements MetricsObserver.
func (b *BasicMetricsObserver) OnDocumentsTouched(_ string, count int) {
	b.DocumentsTouched.Add(int64(count))
}

// OnBatchSize implements MetricsObserver.
func (b *BasicMetricsObserver) OnBatchSize(_ string, size int) { b.BatchSize.Store(int64(size)) }

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsObserver) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PassCount:        b.PassCount.Load(),
		PassErrors:       b.PassErrors.Load(),
		PassIndexes:      b.PassIndexes.Load(),
		PassAvgNanos:     b.getAvgPassNanos(),
		TaskCount:        b.TaskCount.Load(),
		TaskErrors:       b.TaskErrors.Load(),
		OutOfMemory:      b.OutOfMemory.Load(),
		CircuitBroken:    b.CircuitBroken.Load(),
		IdleTimeouts:     b.IdleTimeouts.Load(),
		DocumentsTouched: b.DocumentsTouched.Load(),
		BatchSize:        b.BatchSize.Load(),
	}
}

func (b *BasicMetricsObserver) getAvgPassNanos() int64 {
	count := b.PassCount.Load()
	if count == 0 {
		return 0
	}
	return b.PassTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsObserver state.
type BasicMetricsStats struct {
	PassCount        int64
	PassErrors       int64
	PassIndexes      int64
	PassAvgNanos     int64
	TaskCount        int64
	TaskErrors       int64
	OutOfMemory      int64
	CircuitBroken    int64
	IdleTimeouts     int64
	DocumentsTouched int64
	BatchSize        int64
}
