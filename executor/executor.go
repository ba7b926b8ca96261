package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/hupe1980/docindex/etag"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/storage"
	"github.com/hupe1980/docindex/task"
	"github.com/hupe1980/docindex/work"
	"golang.org/x/time/rate"
)

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. The executor adds its name to every record.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithAutoTuner sets the batch size tuner shrunk on out-of-memory failures.
func WithAutoTuner(t *resource.AutoTuner) Option {
	return func(e *Executor) { e.tuner = t }
}

// WithResourceController sets the controller providing background slots.
func WithResourceController(rc *resource.Controller) Option {
	return func(e *Executor) { e.rc = rc }
}

// WithRetryLimit bounds how often the loop retries after unclassified
// failures. By default failures are retried immediately.
func WithRetryLimit(limit rate.Limit, burst int) Option {
	return func(e *Executor) {
		if limit > 0 {
			e.retry = rate.NewLimiter(limit, max(1, burst))
		}
	}
}

// WithTracker sets the dependency tracker. Policies that record references
// must share the tracker of their executor.
func WithTracker(t *ReindexTracker) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracker = t
		}
	}
}

// Executor runs the indexing loop of one phase.
type Executor struct {
	name     string
	storage  storage.Storage
	work     *work.Context
	policy   Policy
	tracker  *ReindexTracker
	tuner    *resource.AutoTuner
	rc       *resource.Controller
	retry    *rate.Limiter
	logger   *slog.Logger
	observer Observer

	// compact releases memory after an out-of-memory failure.
	compact func()
}

// New creates an executor.
func New(name string, st storage.Storage, wc *work.Context, policy Policy, opts ...Option) *Executor {
	e := &Executor{
		name:     name,
		storage:  st,
		work:     wc,
		policy:   policy,
		tracker:  NewReindexTracker(),
		logger:   wc.Logger(),
		observer: NoopObserver{},
		compact:  compactMemory,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("executor", name)
	return e
}

func compactMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

// Name returns the executor name.
func (e *Executor) Name() string { return e.name }

// Tracker returns the dependency tracker of the executor.
func (e *Executor) Tracker() *ReindexTracker { return e.tracker }

// DocumentWritten reports a document write to the running pass, if any.
func (e *Executor) DocumentWritten(key string) bool {
	return e.tracker.DocumentWritten(key)
}

// iteration is the outcome of one loop iteration.
type iteration struct {
	foundWork bool
	// resetIdle is set when the pass found work outside idle-only indexes.
	resetIdle bool
	kind      FailureKind
	err       error
}

// Run loops until the work context stops. It returns nil on orderly shutdown.
func (e *Executor) Run() error {
	if r, ok := e.policy.(Releaser); ok {
		defer r.Release()
	}

	e.logger.Debug("Executor started")

	var (
		workCounter int64
		isIdle      bool
	)
	for e.work.ShouldRun() {
		it := e.iterate(isIdle)
		if it.resetIdle {
			isIdle = false
		}

		switch it.kind {
		case FailureOutOfMemory:
			e.logger.Warn("Out of memory while indexing, shrinking batch size", "error", it.err)
			e.compact()
			if e.tuner != nil {
				e.tuner.OnOutOfMemory()
				e.observer.OnBatchSize(e.name, e.tuner.BatchSize())
			}
			e.observer.OnOutOfMemory(e.name)
			it.foundWork = true
		case FailureCancelled:
			e.logger.Debug("Executor cancelled")
			return nil
		case FailureOther:
			e.logger.Error("Failed to execute indexing", "error", it.err)
			it.foundWork = true
			if e.retry != nil && e.retry.Wait(e.work.Context()) != nil {
				return nil
			}
		case FailureNone:
			if it.foundWork {
				e.work.NotifyAboutWork()
			}
		}

		if !it.foundWork && e.work.ShouldRun() {
			isIdle = e.work.WaitForWork(e.work.Config().IdleTimeout, &workCounter, e.flush, e.name)
			if isIdle {
				e.observer.OnIdle(e.name)
			}
		}
	}

	e.logger.Debug("Executor stopped")
	return nil
}

func (e *Executor) flush() {
	if err := e.policy.FlushAllIndexes(e.work.Context()); err != nil {
		e.logger.Error("Failed to flush indexes", "error", err)
	}
}

// iterate runs one pass followed by the task queue drain.
func (e *Executor) iterate(isIdle bool) (it iteration) {
	ctx := e.work.Context()

	defer func() {
		if r := recover(); r != nil {
			err := &panicError{value: r}
			it.kind = Classify(ctx, err)
			if it.kind == FailureCancelled {
				it.kind = FailureOther
			}
			it.err = &PassError{Executor: e.name, Kind: it.kind, Err: err}
		}
	}()

	found, onlyIdle, err := e.executeIndexing(ctx, isIdle)
	it.foundWork = found
	it.resetIdle = found && !onlyIdle

	for err == nil && e.work.ShouldRun() {
		var ran bool
		if ran, err = e.executeTasks(ctx); !ran {
			break
		}
		it.foundWork = true
	}

	if err != nil {
		it.kind = Classify(ctx, err)
		it.err = &PassError{Executor: e.name, Kind: it.kind, Err: err}
	}
	return it
}

// executeIndexing selects the candidates of one pass and runs it. It reports
// whether work was found and whether all of it was idle-class.
func (e *Executor) executeIndexing(ctx context.Context, isIdle bool) (bool, bool, error) {
	e.tracker.beginPass()
	defer e.tracker.Clear()

	var (
		candidates []IndexToWorkOn
		syncEtag   etag.Etag
		onlyIdle   = true
	)
	err := e.storage.Batch(ctx, func(acc storage.Accessor) error {
		candidates = candidates[:0]
		stats, err := acc.Indexing().Stats()
		if err != nil {
			return err
		}

		fetched := false
		for _, st := range stats {
			if !e.policy.IsValidIndex(st) {
				continue
			}

			fr, err := acc.Indexing().FailureRate(st.Name)
			if err != nil {
				return err
			}
			if fr.IsInvalidIndex() {
				e.logger.Info("Skipped indexing because of high failure rate",
					"index", st.Name, "failure_rate", fr.FailureRate(), "reduce_failure_rate", fr.ReduceFailureRate())
				e.observer.OnCircuitBroken(e.name, st.Name)
				continue
			}

			if !fetched {
				if syncEtag, err = e.policy.GetSynchronizationEtag(acc); err != nil {
					return err
				}
				fetched = true
			}

			stale, err := e.policy.IsIndexStale(st, syncEtag, acc, isIdle, &onlyIdle)
			if err != nil {
				return err
			}
			if !stale {
				continue
			}

			w := e.policy.GetIndexToWorkOn(st)
			if w.Index == nil || w.Index.IndexingInProgress() {
				continue
			}
			candidates = append(candidates, w)
		}
		return nil
	})
	if err != nil {
		return false, onlyIdle, err
	}
	if len(candidates) == 0 {
		return false, onlyIdle, nil
	}

	e.work.UpdateFoundWork()
	if err := ctx.Err(); err != nil {
		return true, onlyIdle, err
	}

	release := e.work.Definitions().CurrentlyIndexing()
	defer release()

	if err := e.rc.AcquireBackground(ctx); err != nil {
		return true, onlyIdle, err
	}
	defer e.rc.ReleaseBackground()

	minEtag := candidates[0].LastIndexedEtag
	for _, c := range candidates[1:] {
		minEtag = etag.Min(minEtag, c.LastIndexedEtag)
	}
	startEtag := e.policy.CalculateSynchronizationEtag(syncEtag, minEtag)

	e.logger.Debug("Indexing pass", "indexes", len(candidates), "start_etag", startEtag.String(), "idle", isIdle)

	started := time.Now()
	workErr := e.policy.ExecuteIndexingWork(ctx, candidates, startEtag, e.tracker)

	touched, recErr := e.tracker.Reconcile(ctx, e.storage, e.work)
	if touched > 0 {
		e.observer.OnDocumentsTouched(e.name, touched)
	}
	if recErr != nil {
		recErr = fmt.Errorf("reconcile references: %w", recErr)
	}

	err = errors.Join(workErr, recErr)
	e.observer.OnPass(e.name, len(candidates), time.Since(started), err)
	return true, onlyIdle, err
}

// executeTasks dequeues and executes one task. It reports whether a task was
// found, even if executing it failed.
func (e *Executor) executeTasks(ctx context.Context) (bool, error) {
	if err := e.rc.AcquireBackground(ctx); err != nil {
		return false, err
	}
	defer e.rc.ReleaseBackground()

	found := false
	err := e.storage.Batch(ctx, func(acc storage.Accessor) error {
		t, err := e.policy.GetApplicableTask(acc)
		if err != nil {
			return err
		}
		if t == nil {
			return nil
		}
		found = true
		e.work.UpdateFoundWork()

		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		execErr := t.Execute(ctx, task.Env{Accessor: acc, Work: e.work, Logger: e.logger})
		if execErr != nil {
			e.logger.Warn("Failed to execute task", "kind", t.Kind(), "index", t.IndexName(), "error", execErr)
		}
		e.observer.OnTask(e.name, t.Kind(), time.Since(started), execErr)
		return nil
	})
	if err != nil {
		return found, err
	}
	return found, nil
}
