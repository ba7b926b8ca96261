// Package indexer provides the map and reduce phase policies driven by the
// executors.
//
// MapPolicy maps documents in etag order and stores index entries, or mapped
// results for map/reduce indexes. ReducePolicy folds the mapped results of
// every reduce key scheduled since the last reduction.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hupe1980/docindex/executor"
	"github.com/hupe1980/docindex/index"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/storage"
	"github.com/hupe1980/docindex/work"
)

// Option configures a policy.
type Option func(*base)

// WithLogger sets the policy logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithObserver sets the observer notified of batch size changes.
func WithObserver(o executor.Observer) Option {
	return func(b *base) {
		if o != nil {
			b.observer = o
		}
	}
}

// WithClock overrides the clock used for timestamps and abandonment.
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.now = now
		}
	}
}

// base holds what both phases share.
type base struct {
	name     string
	storage  storage.Storage
	work     *work.Context
	tuner    *resource.AutoTuner
	rc       *resource.Controller
	logger   *slog.Logger
	observer executor.Observer
	now      func() time.Time
}

func newBase(name string, st storage.Storage, wc *work.Context, tuner *resource.AutoTuner, rc *resource.Controller, opts []Option) base {
	if tuner == nil {
		tuner = resource.NewAutoTuner(resource.AutoTunerConfig{}, rc)
	}
	b := base{
		name:     name,
		storage:  st,
		work:     wc,
		tuner:    tuner,
		rc:       rc,
		logger:   wc.Logger(),
		observer: executor.NoopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.logger = b.logger.With("executor", name)
	return b
}

// FlushAllIndexes flushes buffered index output and the storage.
func (b *base) FlushAllIndexes(context.Context) error {
	return errors.Join(b.work.Indexes().Flush(), b.storage.Flush())
}

func (b *base) instance(name string) *index.Instance {
	return b.work.Indexes().Get(name)
}

// priorityAllows applies the scheduling priority to a stale index.
func (b *base) priorityAllows(st storage.IndexStats, isIdle bool, onlyFoundIdleWork *bool) bool {
	p := st.Priority
	switch {
	case p == storage.PriorityNone:
		return true
	case p.Has(storage.PriorityError):
		return false
	case p.Has(storage.PriorityNormal):
		*onlyFoundIdleWork = false
		return true
	case p.Has(storage.PriorityDisabled):
		return false
	case !isIdle:
		return false
	case p.Has(storage.PriorityIdle):
		return true
	case p.Has(storage.PriorityAbandoned):
		return b.now().Sub(st.LastIndexingTime) > b.work.Config().AbandonedAfter
	default:
		return false
	}
}

// claim marks every candidate as being indexed and returns those it got,
// with a func ending them all. Instances removed from the registry since
// selection are skipped.
func (b *base) claim(indexes []executor.IndexToWorkOn) ([]executor.IndexToWorkOn, func()) {
	claimed := make([]executor.IndexToWorkOn, 0, len(indexes))
	for _, w := range indexes {
		if w.Index == nil || b.instance(w.Name) != w.Index {
			continue
		}
		if w.Index.TryBeginIndexing() {
			claimed = append(claimed, w)
		}
	}
	return claimed, func() {
		for _, w := range claimed {
			w.Index.EndIndexing()
		}
	}
}

// safeMap runs the map function, converting a panic into an error.
func safeMap(idx index.Index, ctx *index.MapContext, doc *storage.Document) (entries []index.Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("map panicked: %v", r)
		}
	}()
	return idx.Map(ctx, doc)
}

// safeReduce runs the reduce function, converting a panic into an error.
func safeReduce(idx index.Index, key string, mapped [][]byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reduce panicked: %v", r)
		}
	}()
	return idx.Reduce(key, mapped)
}
