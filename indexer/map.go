package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/docindex/etag"
	"github.com/hupe1980/docindex/executor"
	"github.com/hupe1980/docindex/index"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/storage"
	"github.com/hupe1980/docindex/task"
	"github.com/hupe1980/docindex/work"
)

// MaxMergedTasks caps how many queued records one dequeue merges.
const MaxMergedTasks = 256

var _ executor.Policy = (*MapPolicy)(nil)

// MapPolicy indexes documents.
type MapPolicy struct {
	base
}

// NewMapPolicy creates the map phase policy.
func NewMapPolicy(st storage.Storage, wc *work.Context, tuner *resource.AutoTuner, rc *resource.Controller, opts ...Option) *MapPolicy {
	return &MapPolicy{base: newBase("map", st, wc, tuner, rc, opts)}
}

// GetApplicableTask dequeues merged RemoveFromIndex tasks. Tasks of indexes
// deleted since they were queued execute as no-ops.
func (p *MapPolicy) GetApplicableTask(acc storage.Accessor) (task.Task, error) {
	recs, err := acc.Tasks().Next(func(r storage.TaskRecord) bool {
		return r.Kind == task.KindRemoveFromIndex
	}, MaxMergedTasks)
	if err != nil || len(recs) == 0 {
		return nil, err
	}

	t, err := task.DecodeMerged(recs)
	if err != nil {
		p.logger.Warn("Dropped undecodable task records", "records", len(recs), "error", err)
	}
	return t, nil
}

// GetSynchronizationEtag returns the last document etag.
func (p *MapPolicy) GetSynchronizationEtag(acc storage.Accessor) (etag.Etag, error) {
	return acc.Documents().LastEtag()
}

// CalculateSynchronizationEtag starts at the slowest index unless the store
// is behind it.
func (p *MapPolicy) CalculateSynchronizationEtag(syncEtag, minLastIndexed etag.Etag) etag.Etag {
	if syncEtag.Less(minLastIndexed) {
		return syncEtag
	}
	return minLastIndexed
}

// GetIndexToWorkOn implements executor.Policy.
func (p *MapPolicy) GetIndexToWorkOn(st storage.IndexStats) executor.IndexToWorkOn {
	return executor.IndexToWorkOn{Name: st.Name, LastIndexedEtag: st.LastIndexedEtag, Index: p.instance(st.Name)}
}

// IsIndexStale reports whether documents were written after the index's last
// indexed etag and its priority lets it run.
func (p *MapPolicy) IsIndexStale(st storage.IndexStats, syncEtag etag.Etag, _ storage.Accessor, isIdle bool, onlyFoundIdleWork *bool) (bool, error) {
	if !st.LastIndexedEtag.Less(syncEtag) {
		return false, nil
	}
	return p.priorityAllows(st, isIdle, onlyFoundIdleWork), nil
}

// IsValidIndex excludes indexes being deleted and disabled indexes.
func (p *MapPolicy) IsValidIndex(st storage.IndexStats) bool {
	return p.instance(st.Name) != nil && !st.Priority.Has(storage.PriorityDisabled)
}

// ExecuteIndexingWork loads one batch of documents after startEtag and maps it
// into every claimed index.
func (p *MapPolicy) ExecuteIndexingWork(ctx context.Context, indexes []executor.IndexToWorkOn, startEtag etag.Etag, tracker *executor.ReindexTracker) error {
	claimed, end := p.claim(indexes)
	defer end()
	if len(claimed) == 0 {
		return nil
	}

	batchSize := p.tuner.BatchSize()
	maxBytes := p.tuner.MaxBatchBytes()
	started := time.Now()

	var (
		docs     []*storage.Document
		lastEtag etag.Etag
	)
	err := p.storage.Batch(ctx, func(acc storage.Accessor) error {
		var err error
		if docs, err = acc.Documents().After(startEtag, batchSize, maxBytes); err != nil {
			return err
		}
		lastEtag, err = acc.Documents().LastEtag()
		return err
	})
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}

	var size int64
	for _, d := range docs {
		size += int64(len(d.Data))
	}
	if err := p.rc.AcquireMemory(size); err != nil {
		return fmt.Errorf("reserve %d bytes for %d documents: %w", size, len(docs), err)
	}
	defer p.rc.ReleaseMemory(size)
	if err := p.rc.AcquireRead(ctx, size); err != nil {
		return fmt.Errorf("read %d bytes: %w", size, err)
	}

	// Once the scan reached the end of the store, indexes advance to the last
	// etag so trailing deletions do not keep them stale.
	advanceTo := lastEtag
	exhausted := len(docs) < batchSize && (maxBytes <= 0 || size < maxBytes)
	if !exhausted {
		advanceTo = docs[len(docs)-1].Etag
	}

	var errs []error
	for _, w := range claimed {
		if err := p.indexBatch(ctx, w, docs, advanceTo, tracker); err != nil {
			if storage.IsOutOfMemory(err) || ctx.Err() != nil {
				return errors.Join(append(errs, err)...)
			}
			errs = append(errs, fmt.Errorf("index %s: %w", w.Name, err))
		}
	}

	took := time.Since(started)
	before := p.tuner.BatchSize()
	p.tuner.AutoThrottle(len(docs), size, took)
	if after := p.tuner.BatchSize(); after != before {
		p.observer.OnBatchSize(p.name, after)
	}

	p.logger.Debug("Indexed batch", "indexes", len(claimed), "documents", len(docs), "bytes", size, "took", took)
	return errors.Join(errs...)
}

// indexBatch maps docs into one index inside one storage batch.
func (p *MapPolicy) indexBatch(ctx context.Context, w executor.IndexToWorkOn, docs []*storage.Document, advanceTo etag.Etag, tracker *executor.ReindexTracker) error {
	return p.storage.Batch(ctx, func(acc storage.Accessor) error {
		var counters storage.Counters

		for _, doc := range docs {
			if !w.LastIndexedEtag.Less(doc.Etag) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			counters.Attempts++
			mctx := index.NewMapContext(ctx, acc.Documents(), tracker, doc.Key)
			entries, err := safeMap(w.Index, mctx, doc)
			if err != nil {
				if storage.IsOutOfMemory(err) {
					return err
				}
				counters.Errors++
				p.logger.Warn("Failed to index document", "index", w.Name, "key", doc.Key, "error", err)
				// The previous output belongs to content that no longer exists.
				if err := p.write(acc, w, doc.Key, nil); err != nil {
					return err
				}
				continue
			}

			if err := p.write(acc, w, doc.Key, entries); err != nil {
				return err
			}
			if err := acc.Indexing().UpdateReferences(w.Name, doc.Key, mctx.Loaded()); err != nil {
				return err
			}
			counters.Successes++
		}

		if counters.Attempts > 0 {
			if err := acc.Indexing().RecordIndexing(w.Name, counters); err != nil {
				return err
			}
		}
		if w.LastIndexedEtag.Less(advanceTo) {
			return acc.Indexing().UpdateLastIndexed(w.Name, advanceTo, p.now())
		}
		return nil
	})
}

func (p *MapPolicy) write(acc storage.Accessor, w executor.IndexToWorkOn, key string, entries []index.Entry) error {
	if !w.Index.MapReduce() {
		data := make([][]byte, len(entries))
		for i, e := range entries {
			data[i] = e.Data
		}
		return acc.Indexing().PutEntries(w.Name, key, data)
	}

	m := acc.MappedResults()
	if err := m.DeleteFor(w.Name, key); err != nil {
		return err
	}
	for _, e := range entries {
		if err := m.Put(w.Name, e.ReduceKey, key, e.Data); err != nil {
			return err
		}
	}
	return nil
}
