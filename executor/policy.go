// Package executor implements the indexing scheduling loop shared by the map
// and reduce phases.
//
// An Executor repeatedly selects the stale indexes that may be worked on,
// delegates one coordinated scan over all of them to its Policy, reconciles
// document references written during the scan, drains the background task
// queue and, when nothing is left to do, waits for work. Failures never stop
// the loop; only cancellation does.
package executor

import (
	"context"

	"github.com/hupe1980/docindex/etag"
	"github.com/hupe1980/docindex/index"
	"github.com/hupe1980/docindex/storage"
	"github.com/hupe1980/docindex/task"
)

// IndexToWorkOn describes one candidate of a pass.
type IndexToWorkOn struct {
	Name            string
	LastIndexedEtag etag.Etag
	Index           *index.Instance
}

// Policy supplies the phase-specific decisions of an Executor.
type Policy interface {
	// GetApplicableTask dequeues the next task this executor handles, or nil.
	GetApplicableTask(acc storage.Accessor) (task.Task, error)

	// FlushAllIndexes runs when the executor has been idle for IdleTimeout.
	FlushAllIndexes(ctx context.Context) error

	// GetSynchronizationEtag returns the highest etag relevant to this phase.
	GetSynchronizationEtag(acc storage.Accessor) (etag.Etag, error)

	// CalculateSynchronizationEtag combines the synchronization etag with the
	// lowest last-indexed etag of the candidates into the start etag of a pass.
	CalculateSynchronizationEtag(syncEtag, minLastIndexed etag.Etag) etag.Etag

	GetIndexToWorkOn(stats storage.IndexStats) IndexToWorkOn

	// IsIndexStale decides whether the index has work. Indexes whose work is
	// not restricted to idle passes must clear *onlyFoundIdleWork.
	IsIndexStale(stats storage.IndexStats, syncEtag etag.Etag, acc storage.Accessor, isIdle bool, onlyFoundIdleWork *bool) (bool, error)

	// ExecuteIndexingWork runs one coordinated scan starting after startEtag.
	ExecuteIndexingWork(ctx context.Context, indexes []IndexToWorkOn, startEtag etag.Etag, tracker *ReindexTracker) error

	IsValidIndex(stats storage.IndexStats) bool
}

// Releaser is implemented by policies owning resources released when the loop
// exits.
type Releaser interface {
	Release()
}
