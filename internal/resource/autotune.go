package resource

import (
	"sync"
	"time"
)

// AutoTunerConfig holds batch sizing bounds.
type AutoTunerConfig struct {
	// InitialBatchSize is the starting number of documents per batch.
	// If 0, defaults to 512.
	InitialBatchSize int

	// MinBatchSize is the floor applied after out-of-memory shrinking.
	// If 0, defaults to 16.
	MinBatchSize int

	// MaxBatchSize caps growth. If 0, defaults to 16384.
	MaxBatchSize int

	// MaxBatchBytes caps the accumulated document size of one batch.
	// If 0, defaults to 64MB.
	MaxBatchBytes int64

	// FastBatch is the duration under which a full batch lets the size grow.
	// If 0, defaults to 250ms.
	FastBatch time.Duration

	// SlowBatch is the duration above which the size shrinks towards the
	// initial size. If 0, defaults to 5s.
	SlowBatch time.Duration
}

func (c AutoTunerConfig) withDefaults() AutoTunerConfig {
	if c.InitialBatchSize <= 0 {
		c.InitialBatchSize = 512
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = 16
	}
	if c.MinBatchSize > c.InitialBatchSize {
		c.MinBatchSize = c.InitialBatchSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 16384
	}
	if c.MaxBatchSize < c.InitialBatchSize {
		c.MaxBatchSize = c.InitialBatchSize
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 64 << 20
	}
	if c.FastBatch <= 0 {
		c.FastBatch = 250 * time.Millisecond
	}
	if c.SlowBatch <= 0 {
		c.SlowBatch = 5 * time.Second
	}
	return c
}

// AutoTunerStats is a snapshot of the tuner state.
type AutoTunerStats struct {
	BatchSize     int
	OutOfMemories int64
	Grows         int64
	Shrinks       int64
}

// AutoTuner recommends the number of documents to index in one batch.
//
// It is shared by every executor of a database and mutated only through
// OnOutOfMemory and AutoThrottle.
type AutoTuner struct {
	cfg AutoTunerConfig
	rc  *Controller

	mu      sync.Mutex
	current int
	stats   AutoTunerStats
}

// NewAutoTuner creates a tuner. rc may be nil (no memory awareness).
func NewAutoTuner(cfg AutoTunerConfig, rc *Controller) *AutoTuner {
	cfg = cfg.withDefaults()
	return &AutoTuner{
		cfg:     cfg,
		rc:      rc,
		current: cfg.InitialBatchSize,
	}
}

// BatchSize returns the current recommended batch size.
func (t *AutoTuner) BatchSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// MaxBatchBytes returns the configured byte cap of one batch.
func (t *AutoTuner) MaxBatchBytes() int64 { return t.cfg.MaxBatchBytes }

// OnOutOfMemory halves the batch size, never going below MinBatchSize.
func (t *AutoTuner) OnOutOfMemory() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.OutOfMemories++
	t.current = max(t.cfg.MinBatchSize, t.current/2)
}

// AutoThrottle feeds back the outcome of one batch: the number of documents it
// held, their accumulated size and how long indexing them took.
func (t *AutoTuner) AutoThrottle(items int, bytes int64, took time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case items >= t.current && took < t.cfg.FastBatch:
		if t.current >= t.cfg.MaxBatchSize {
			return
		}
		// Doubling the batch roughly doubles its footprint.
		if !t.rc.HasHeadroom(bytes * 2) {
			return
		}
		t.current = min(t.cfg.MaxBatchSize, t.current*2)
		t.stats.Grows++
	case took > t.cfg.SlowBatch && t.current > t.cfg.InitialBatchSize:
		t.current = max(t.cfg.InitialBatchSize, t.current/2)
		t.stats.Shrinks++
	}
}

// Stats returns a snapshot of the tuner state.
func (t *AutoTuner) Stats() AutoTunerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.BatchSize = t.current
	return s
}
