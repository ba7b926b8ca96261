package docindex

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hupe1980/docindex/etag"
	"github.com/hupe1980/docindex/executor"
	"github.com/hupe1980/docindex/index"
	"github.com/hupe1980/docindex/indexer"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/observability"
	"github.com/hupe1980/docindex/storage"
	"github.com/hupe1980/docindex/storage/pebble"
	"github.com/hupe1980/docindex/task"
	"github.com/hupe1980/docindex/work"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// DB is an embedded document database. Its indexes are maintained by a map
// and a reduce executor running in the background.
type DB struct {
	store   *pebble.Store
	work    *work.Context
	cancel  context.CancelFunc
	indexes *index.Registry
	defs    *index.Definitions
	rc      *resource.Controller
	logger  *Logger

	mapTuner    *resource.AutoTuner
	reduceTuner *resource.AutoTuner
	executors   []*executor.Executor
	group       errgroup.Group

	closed atomic.Bool
}

// Open opens (or creates) a database in dir and starts the indexing
// executors.
func Open(dir string, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)

	ctx, cancel := context.WithCancel(context.Background())
	reg := index.NewRegistry()
	defs := index.NewDefinitions()
	wc := work.New(ctx, o.work, reg, defs, o.logger.Logger)

	st, err := pebble.Open(dir, pebble.Options{
		FS:          o.fs,
		Compression: o.compression,
		CommitHook:  wc.HandleWorkNotifications,
		Sync:        o.sync,
		Logger:      o.logger.Logger,
	})
	if err != nil {
		cancel()
		return nil, translateError(err)
	}

	rc := resource.NewController(o.resources)
	db := &DB{
		store:       st,
		work:        wc,
		cancel:      cancel,
		indexes:     reg,
		defs:        defs,
		rc:          rc,
		logger:      o.logger,
		mapTuner:    resource.NewAutoTuner(o.tuner, rc),
		reduceTuner: resource.NewAutoTuner(o.tuner, rc),
	}

	policyOpts := []indexer.Option{
		indexer.WithLogger(o.logger.Logger),
		indexer.WithObserver(o.observer),
	}
	execOpts := func(t *resource.AutoTuner) []executor.Option {
		return []executor.Option{
			executor.WithLogger(o.logger.Logger),
			executor.WithObserver(o.observer),
			executor.WithAutoTuner(t),
			executor.WithResourceController(rc),
			executor.WithRetryLimit(o.retryLimit, o.retryBurst),
		}
	}
	db.executors = []*executor.Executor{
		executor.New("map", st, wc, indexer.NewMapPolicy(st, wc, db.mapTuner, rc, policyOpts...), execOpts(db.mapTuner)...),
		executor.New("reduce", st, wc, indexer.NewReducePolicy(st, wc, db.reduceTuner, rc, policyOpts...), execOpts(db.reduceTuner)...),
	}
	for _, e := range db.executors {
		db.group.Go(e.Run)
	}

	o.logger.Info("Database opened", "dir", dir, "compression", o.compression.String())
	return db, nil
}

func (db *DB) batch(ctx context.Context, fn func(storage.Accessor) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return translateError(db.store.Batch(ctx, fn))
}

// CreateIndex registers idx. A persisted index of the same name resumes from
// its recorded progress; otherwise the index starts empty and catches up in
// the background. A zero priority means PriorityNormal.
func (db *DB) CreateIndex(ctx context.Context, idx Index, priority Priority) error {
	if priority == 0 {
		priority = PriorityNormal
	}
	name := idx.Name()

	err := db.defs.Modify(func() error {
		if _, err := db.indexes.Add(idx); err != nil {
			return translateError(err)
		}
		err := db.batch(ctx, func(acc storage.Accessor) error {
			st, err := acc.Indexing().Stat(name)
			switch {
			case err == nil:
				if st.MapReduce != idx.MapReduce() {
					return fmt.Errorf("%w: %s was created with map_reduce=%t", storage.ErrIndexExists, name, st.MapReduce)
				}
			case errors.Is(err, storage.ErrNotFound):
				if err := acc.Indexing().AddIndex(name, priority, idx.MapReduce()); err != nil {
					return err
				}
			default:
				return err
			}
			db.work.ShouldNotify(func() string { return "index created: " + name })
			return nil
		})
		if err != nil {
			db.indexes.Remove(name)
		}
		return err
	})

	db.logger.LogIndexChange(ctx, "create index", name, err)
	return err
}

// DeleteIndex removes an index with all its entries, mapped and reduced
// results. It waits for running passes to finish.
func (db *DB) DeleteIndex(ctx context.Context, name string) error {
	err := db.defs.Modify(func() error {
		inst := db.indexes.Remove(name)
		err := db.batch(ctx, func(acc storage.Accessor) error {
			return acc.Indexing().DeleteIndex(name)
		})
		if err != nil && inst != nil && !errors.Is(err, ErrNotFound) {
			_, _ = db.indexes.Add(inst.Index)
		}
		return err
	})

	db.logger.LogIndexChange(ctx, "delete index", name, err)
	return err
}

// SetIndexPriority changes when an index is scheduled.
func (db *DB) SetIndexPriority(ctx context.Context, name string, priority Priority) error {
	return db.batch(ctx, func(acc storage.Accessor) error {
		if err := acc.Indexing().SetPriority(name, priority); err != nil {
			return err
		}
		db.work.ShouldNotify(func() string { return fmt.Sprintf("index %s priority: %s", name, priority) })
		return nil
	})
}

// ResetIndexFailures clears the failure counters that stop an index with a
// high failure rate from being scheduled.
func (db *DB) ResetIndexFailures(ctx context.Context, name string) error {
	return db.batch(ctx, func(acc storage.Accessor) error {
		if err := acc.Indexing().ResetFailures(name); err != nil {
			return err
		}
		db.work.ShouldNotify(func() string { return "index failures reset: " + name })
		return nil
	})
}

// Put stores a document and returns its etag.
func (db *DB) Put(ctx context.Context, key string, data []byte) (Etag, error) {
	var tag etag.Etag
	err := db.batch(ctx, func(acc storage.Accessor) error {
		var err error
		if tag, err = acc.Documents().Put(key, data); err != nil {
			return err
		}
		return db.documentChanged(acc, key, "document put")
	})

	db.logger.LogWrite(ctx, "put", key, err)
	return tag, err
}

// Delete removes a document. Its index output is removed in the background.
func (db *DB) Delete(ctx context.Context, key string) error {
	err := db.batch(ctx, func(acc storage.Accessor) error {
		if _, err := acc.Documents().Delete(key); err != nil {
			return err
		}

		stats, err := acc.Indexing().Stats()
		if err != nil {
			return err
		}
		for _, st := range stats {
			rec, err := task.Encode(&task.RemoveFromIndex{Index: st.Name, Keys: []string{key}})
			if err != nil {
				return err
			}
			if _, err := acc.Tasks().Add(rec); err != nil {
				return err
			}
		}
		return db.documentChanged(acc, key, "document deleted")
	})

	db.logger.LogWrite(ctx, "delete", key, err)
	return err
}

// documentChanged marks the documents that loaded key for reindexing, reports
// the write to running passes and schedules a work notification.
func (db *DB) documentChanged(acc storage.Accessor, key, reason string) error {
	refs, err := acc.Indexing().Referencing(key)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref == key {
			continue
		}
		if _, _, err := acc.Documents().Touch(ref); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("touch %s: %w", ref, err)
		}
	}

	for _, e := range db.executors {
		e.DocumentWritten(key)
	}
	db.work.ShouldNotify(func() string { return reason + ": " + key })
	return nil
}

// Get returns a document.
func (db *DB) Get(ctx context.Context, key string) (*Document, error) {
	var doc *storage.Document
	err := db.batch(ctx, func(acc storage.Accessor) error {
		var err error
		doc, err = acc.Documents().Get(key)
		return err
	})
	return doc, err
}

// IndexEntries returns the entries a map index produced for a document.
func (db *DB) IndexEntries(ctx context.Context, name, key string) ([][]byte, error) {
	var entries [][]byte
	err := db.batch(ctx, func(acc storage.Accessor) error {
		if _, err := acc.Indexing().Stat(name); err != nil {
			return err
		}
		var err error
		entries, err = acc.Indexing().Entries(name, key)
		return err
	})
	return entries, err
}

// ReducedResult returns the reduced value of one reduce key.
func (db *DB) ReducedResult(ctx context.Context, name, reduceKey string) ([]byte, error) {
	var out []byte
	err := db.batch(ctx, func(acc storage.Accessor) error {
		var err error
		out, err = acc.MappedResults().Reduced(name, reduceKey)
		return err
	})
	return out, err
}

// IndexStats returns the persisted record of an index.
func (db *DB) IndexStats(ctx context.Context, name string) (IndexStats, error) {
	var st storage.IndexStats
	err := db.batch(ctx, func(acc storage.Accessor) error {
		var err error
		st, err = acc.Indexing().Stat(name)
		return err
	})
	return st, err
}

// IsStale reports whether an index has work pending: documents it has not
// indexed, reductions it has not run or queued removals.
func (db *DB) IsStale(ctx context.Context, name string) (bool, error) {
	stale := false
	err := db.batch(ctx, func(acc storage.Accessor) error {
		st, err := acc.Indexing().Stat(name)
		if err != nil {
			return err
		}
		last, err := acc.Documents().LastEtag()
		if err != nil {
			return err
		}
		if st.LastIndexedEtag.Less(last) {
			stale = true
			return nil
		}
		if st.MapReduce {
			if stale, err = acc.MappedResults().HasScheduledAfter(name, st.LastReducedEtag); err != nil || stale {
				return err
			}
		}
		n, err := acc.Tasks().Count()
		stale = n > 0
		return err
	})
	return stale, err
}

// WaitForNonStale blocks until the index caught up or ctx is done.
func (db *DB) WaitForNonStale(ctx context.Context, name string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		stale, err := db.IsStale(ctx, name)
		if err != nil || !stale {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats is a snapshot of database and executor state.
type Stats struct {
	Documents       int
	PendingTasks    int
	MapBatchSize    int
	ReduceBatchSize int
	MemoryUsage     int64
	Work            work.Stats
	Indexes         []IndexStats
}

// Stats returns a snapshot of database and executor state.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		MapBatchSize:    db.mapTuner.BatchSize(),
		ReduceBatchSize: db.reduceTuner.BatchSize(),
		MemoryUsage:     db.rc.MemoryUsage(),
		Work:            db.work.Stats(),
	}
	err := db.batch(ctx, func(acc storage.Accessor) error {
		var err error
		if s.Documents, err = acc.Documents().Count(); err != nil {
			return err
		}
		if s.PendingTasks, err = acc.Tasks().Count(); err != nil {
			return err
		}
		s.Indexes, err = acc.Indexing().Stats()
		return err
	})
	return s, err
}

// Collector returns a Prometheus collector for the storage engine metrics.
func (db *DB) Collector() prometheus.Collector {
	return observability.NewPebbleCollector(db.store)
}

// Close stops the executors, flushes the indexes and closes the storage.
func (db *DB) Close() error {
	if db == nil || !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	db.work.StopWork()
	runErr := db.group.Wait()
	db.cancel()

	err := errors.Join(runErr, db.indexes.Flush(), translateError(db.store.Close()))
	db.logger.Info("Database closed")
	return err
}
