package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/docindex/etag"
	"github.com/hupe1980/docindex/executor"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/storage"
	"github.com/hupe1980/docindex/task"
	"github.com/hupe1980/docindex/work"
)

var _ executor.Policy = (*ReducePolicy)(nil)

// ReducePolicy reduces scheduled reduce keys of map/reduce indexes.
type ReducePolicy struct {
	base
}

// NewReducePolicy creates the reduce phase policy.
func NewReducePolicy(st storage.Storage, wc *work.Context, tuner *resource.AutoTuner, rc *resource.Controller, opts ...Option) *ReducePolicy {
	return &ReducePolicy{base: newBase("reduce", st, wc, tuner, rc, opts)}
}

// GetApplicableTask returns nil: tasks are drained by the map phase.
func (p *ReducePolicy) GetApplicableTask(storage.Accessor) (task.Task, error) {
	return nil, nil
}

// GetSynchronizationEtag returns the last scheduled reduction etag.
func (p *ReducePolicy) GetSynchronizationEtag(acc storage.Accessor) (etag.Etag, error) {
	return acc.MappedResults().LastScheduledEtag()
}

// CalculateSynchronizationEtag starts at the slowest index. When the schedule
// is behind it, the pass starts just before the last scheduled reduction.
func (p *ReducePolicy) CalculateSynchronizationEtag(syncEtag, minLastReduced etag.Etag) etag.Etag {
	if syncEtag.IsEmpty() {
		return etag.Empty
	}
	if syncEtag.Less(minLastReduced) {
		return syncEtag.Increment(-1)
	}
	return minLastReduced
}

// GetIndexToWorkOn uses the last reduced etag as the progress marker.
func (p *ReducePolicy) GetIndexToWorkOn(st storage.IndexStats) executor.IndexToWorkOn {
	return executor.IndexToWorkOn{Name: st.Name, LastIndexedEtag: st.LastReducedEtag, Index: p.instance(st.Name)}
}

// IsIndexStale reports whether reductions were scheduled after the index's
// last reduction and its priority lets it run.
func (p *ReducePolicy) IsIndexStale(st storage.IndexStats, _ etag.Etag, acc storage.Accessor, isIdle bool, onlyFoundIdleWork *bool) (bool, error) {
	has, err := acc.MappedResults().HasScheduledAfter(st.Name, st.LastReducedEtag)
	if err != nil || !has {
		return false, err
	}
	return p.priorityAllows(st, isIdle, onlyFoundIdleWork), nil
}

// IsValidIndex accepts registered, enabled map/reduce indexes.
func (p *ReducePolicy) IsValidIndex(st storage.IndexStats) bool {
	return st.MapReduce && p.instance(st.Name) != nil && !st.Priority.Has(storage.PriorityDisabled)
}

// ExecuteIndexingWork reduces up to one batch of scheduled keys per index.
func (p *ReducePolicy) ExecuteIndexingWork(ctx context.Context, indexes []executor.IndexToWorkOn, startEtag etag.Etag, _ *executor.ReindexTracker) error {
	claimed, end := p.claim(indexes)
	defer end()

	batchSize := p.tuner.BatchSize()
	var errs []error
	for _, w := range claimed {
		if err := p.reduceBatch(ctx, w, startEtag, batchSize); err != nil {
			if storage.IsOutOfMemory(err) || ctx.Err() != nil {
				return errors.Join(append(errs, err)...)
			}
			errs = append(errs, fmt.Errorf("reduce %s: %w", w.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (p *ReducePolicy) reduceBatch(ctx context.Context, w executor.IndexToWorkOn, startEtag etag.Etag, batchSize int) error {
	started := time.Now()
	keys := 0

	err := p.storage.Batch(ctx, func(acc storage.Accessor) error {
		m := acc.MappedResults()
		scheduled, err := m.ScheduledAfter(w.Name, startEtag, batchSize)
		if err != nil || len(scheduled) == 0 {
			return err
		}

		var counters storage.Counters
		seen := make(map[string]struct{}, len(scheduled))
		for _, s := range scheduled {
			if _, ok := seen[s.ReduceKey]; ok {
				continue
			}
			seen[s.ReduceKey] = struct{}{}
			if err := ctx.Err(); err != nil {
				return err
			}

			mapped, err := m.Get(w.Name, s.ReduceKey)
			if err != nil {
				return err
			}
			if len(mapped) == 0 {
				if err := m.DeleteReduced(w.Name, s.ReduceKey); err != nil {
					return err
				}
				continue
			}

			counters.Attempts++
			out, err := safeReduce(w.Index, s.ReduceKey, mapped)
			if err != nil {
				if storage.IsOutOfMemory(err) {
					return err
				}
				counters.Errors++
				p.logger.Warn("Failed to reduce", "index", w.Name, "reduce_key", s.ReduceKey, "error", err)
				continue
			}
			if out == nil {
				err = m.DeleteReduced(w.Name, s.ReduceKey)
			} else {
				err = m.PutReduced(w.Name, s.ReduceKey, out)
			}
			if err != nil {
				return err
			}
			counters.Successes++
		}
		keys = len(seen)

		last := scheduled[len(scheduled)-1].Etag
		if err := m.RemoveScheduled(w.Name, last); err != nil {
			return err
		}
		if counters.Attempts > 0 {
			if err := acc.Indexing().RecordReduce(w.Name, counters); err != nil {
				return err
			}
		}
		return acc.Indexing().UpdateLastReduced(w.Name, last, p.now())
	})
	if err != nil {
		return err
	}

	if keys > 0 {
		p.logger.Debug("Reduced batch", "index", w.Name, "keys", keys, "took", time.Since(started))
	}
	return nil
}
