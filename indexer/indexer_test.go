package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/docindex/etag"
	"github.com/hupe1980/docindex/executor"
	"github.com/hupe1980/docindex/index"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/storage"
	"github.com/hupe1980/docindex/storage/pebble"
	"github.com/hupe1980/docindex/task"
	"github.com/hupe1980/docindex/work"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	st    *pebble.Store
	wc    *work.Context
	reg   *index.Registry
	tuner *resource.AutoTuner
	rc    *resource.Controller
	now   time.Time
}

func newEnv(t *testing.T, rcCfg resource.Config, tunerCfg resource.AutoTunerConfig) *env {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	reg := index.NewRegistry()
	wc := work.New(ctx, work.Config{IdleTimeout: 20 * time.Millisecond}, reg, index.NewDefinitions(), nil)

	opts := pebble.InMemory()
	opts.CommitHook = wc.HandleWorkNotifications
	st, err := pebble.Open("", opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		_ = st.Close()
	})

	rc := resource.NewController(rcCfg)
	return &env{
		st:    st,
		wc:    wc,
		reg:   reg,
		tuner: resource.NewAutoTuner(tunerCfg, rc),
		rc:    rc,
		now:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (e *env) mapPolicy() *MapPolicy {
	return NewMapPolicy(e.st, e.wc, e.tuner, e.rc, WithClock(func() time.Time { return e.now }))
}

func (e *env) reducePolicy() *ReducePolicy {
	return NewReducePolicy(e.st, e.wc, e.tuner, e.rc, WithClock(func() time.Time { return e.now }))
}

func (e *env) batch(t *testing.T, fn func(storage.Accessor) error) {
	t.Helper()
	require.NoError(t, e.st.Batch(t.Context(), fn))
}

func (e *env) addIndex(t *testing.T, idx index.Index) {
	t.Helper()
	_, err := e.reg.Add(idx)
	require.NoError(t, err)
	e.batch(t, func(acc storage.Accessor) error {
		return acc.Indexing().AddIndex(idx.Name(), storage.PriorityNormal, idx.MapReduce())
	})
}

func (e *env) put(t *testing.T, key, data string) etag.Etag {
	t.Helper()
	var tag etag.Etag
	e.batch(t, func(acc storage.Accessor) error {
		var err error
		tag, err = acc.Documents().Put(key, []byte(data))
		return err
	})
	return tag
}

func (e *env) stat(t *testing.T, name string) storage.IndexStats {
	t.Helper()
	var st storage.IndexStats
	e.batch(t, func(acc storage.Accessor) error {
		var err error
		st, err = acc.Indexing().Stat(name)
		return err
	})
	return st
}

func (e *env) indexMap(t *testing.T, p *MapPolicy, names ...string) error {
	t.Helper()
	var (
		todo  []executor.IndexToWorkOn
		start etag.Etag
	)
	for i, name := range names {
		w := p.GetIndexToWorkOn(e.stat(t, name))
		if i == 0 {
			start = w.LastIndexedEtag
		}
		start = etag.Min(start, w.LastIndexedEtag)
		todo = append(todo, w)
	}
	return p.ExecuteIndexingWork(t.Context(), todo, start, executor.NewReindexTracker())
}

func (e *env) reduce(t *testing.T, p *ReducePolicy, name string) error {
	t.Helper()
	w := p.GetIndexToWorkOn(e.stat(t, name))
	var sync etag.Etag
	e.batch(t, func(acc storage.Accessor) error {
		var err error
		sync, err = p.GetSynchronizationEtag(acc)
		return err
	})
	start := p.CalculateSynchronizationEtag(sync, w.LastIndexedEtag)
	return p.ExecuteIndexingWork(t.Context(), []executor.IndexToWorkOn{w}, start, nil)
}

// identity stores each document body as its only entry.
func identity(name string) index.Index {
	return index.NewMap(name, func(_ *index.MapContext, doc *storage.Document) ([]index.Entry, error) {
		return []index.Entry{{Data: doc.Data}}, nil
	})
}

// countByBody counts documents per body.
func countByBody(name string) index.Index {
	return index.NewMapReduce(name,
		func(_ *index.MapContext, doc *storage.Document) ([]index.Entry, error) {
			return []index.Entry{{ReduceKey: string(doc.Data), Data: []byte("1")}}, nil
		},
		func(reduceKey string, mapped [][]byte) ([]byte, error) {
			if reduceKey == "bad" {
				return nil, errors.New("cannot reduce")
			}
			total := 0
			for _, m := range mapped {
				n, err := strconv.Atoi(string(m))
				if err != nil {
					return nil, err
				}
				total += n
			}
			return []byte(strconv.Itoa(total)), nil
		})
}

func TestPriorityAllows(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()

	tests := []struct {
		name         string
		priority     storage.Priority
		lastIndexing time.Duration
		idle         bool
		want         bool
		wantOnlyIdle bool
	}{
		{name: "none", priority: storage.PriorityNone, want: true, wantOnlyIdle: true},
		{name: "normal", priority: storage.PriorityNormal, want: true, wantOnlyIdle: false},
		{name: "normal wins over idle", priority: storage.PriorityNormal | storage.PriorityIdle, want: true, wantOnlyIdle: false},
		{name: "error wins over normal", priority: storage.PriorityError | storage.PriorityNormal, idle: true, want: false, wantOnlyIdle: true},
		{name: "disabled", priority: storage.PriorityDisabled, idle: true, want: false, wantOnlyIdle: true},
		{name: "idle on normal pass", priority: storage.PriorityIdle, want: false, wantOnlyIdle: true},
		{name: "idle on idle pass", priority: storage.PriorityIdle, idle: true, want: true, wantOnlyIdle: true},
		{name: "abandoned on normal pass", priority: storage.PriorityAbandoned, lastIndexing: 4 * time.Hour, want: false, wantOnlyIdle: true},
		{name: "abandoned recently indexed", priority: storage.PriorityAbandoned, lastIndexing: time.Hour, idle: true, want: false, wantOnlyIdle: true},
		{name: "abandoned long ago", priority: storage.PriorityAbandoned, lastIndexing: 4 * time.Hour, idle: true, want: true, wantOnlyIdle: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := storage.IndexStats{
				Name:             "x",
				Priority:         tt.priority,
				LastIndexingTime: e.now.Add(-tt.lastIndexing),
			}
			onlyIdle := true
			assert.Equal(t, tt.want, p.priorityAllows(st, tt.idle, &onlyIdle))
			assert.Equal(t, tt.wantOnlyIdle, onlyIdle)
		})
	}
}

func TestMapPolicy_Selection(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()
	e.addIndex(t, identity("docs"))

	st := e.stat(t, "docs")
	assert.True(t, p.IsValidIndex(st))
	assert.False(t, p.IsValidIndex(storage.IndexStats{Name: "unregistered"}))

	st.Priority = storage.PriorityDisabled
	assert.False(t, p.IsValidIndex(st))

	onlyIdle := true
	fresh := storage.IndexStats{Name: "docs", LastIndexedEtag: etag.New(1, 5)}
	stale, err := p.IsIndexStale(fresh, etag.New(1, 5), nil, false, &onlyIdle)
	require.NoError(t, err)
	assert.False(t, stale)

	stale, err = p.IsIndexStale(fresh, etag.New(1, 6), nil, false, &onlyIdle)
	require.NoError(t, err)
	assert.True(t, stale)

	w := p.GetIndexToWorkOn(fresh)
	assert.Equal(t, "docs", w.Name)
	assert.Equal(t, etag.New(1, 5), w.LastIndexedEtag)
	assert.Same(t, e.reg.Get("docs"), w.Index)
}

func TestCalculateSynchronizationEtag(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	mp := e.mapPolicy()
	rp := e.reducePolicy()

	lo, hi := etag.New(1, 3), etag.New(1, 9)

	assert.Equal(t, lo, mp.CalculateSynchronizationEtag(hi, lo))
	assert.Equal(t, lo, mp.CalculateSynchronizationEtag(lo, hi))
	assert.Equal(t, lo, mp.CalculateSynchronizationEtag(lo, lo))

	assert.Equal(t, etag.Empty, rp.CalculateSynchronizationEtag(etag.Empty, lo))
	assert.Equal(t, lo, rp.CalculateSynchronizationEtag(hi, lo))
	assert.Equal(t, etag.New(1, 2), rp.CalculateSynchronizationEtag(lo, hi))
}

func TestMapPolicy_IndexesDocuments(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()
	e.addIndex(t, identity("docs"))

	e.put(t, "users/1", "a")
	last := e.put(t, "users/2", "b")

	require.NoError(t, e.indexMap(t, p, "docs"))

	e.batch(t, func(acc storage.Accessor) error {
		got, err := acc.Indexing().Entries("docs", "users/1")
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("a")}, got)

		got, err = acc.Indexing().Entries("docs", "users/2")
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("b")}, got)
		return nil
	})

	st := e.stat(t, "docs")
	assert.Equal(t, last, st.LastIndexedEtag)
	assert.Equal(t, e.now, st.LastIndexedTimestamp.UTC())
	assert.Equal(t, 2, st.Indexing.Attempts)
	assert.Equal(t, 2, st.Indexing.Successes)
	assert.False(t, e.reg.Get("docs").IndexingInProgress())
}

func TestMapPolicy_SkipsDocumentsAlreadyIndexed(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()

	counting := func(name string, n *atomic.Int32) index.Index {
		return index.NewMap(name, func(_ *index.MapContext, doc *storage.Document) ([]index.Entry, error) {
			n.Add(1)
			return []index.Entry{{Data: doc.Data}}, nil
		})
	}
	var first, second atomic.Int32
	e.addIndex(t, counting("first", &first))
	e.addIndex(t, counting("second", &second))

	e.put(t, "k/1", "1")
	e2 := e.put(t, "k/2", "2")
	e3 := e.put(t, "k/3", "3")
	e.batch(t, func(acc storage.Accessor) error {
		return acc.Indexing().UpdateLastIndexed("second", e2, e.now)
	})

	require.NoError(t, e.indexMap(t, p, "first", "second"))

	assert.Equal(t, int32(3), first.Load())
	assert.Equal(t, int32(1), second.Load())
	assert.Equal(t, e3, e.stat(t, "first").LastIndexedEtag)
	assert.Equal(t, e3, e.stat(t, "second").LastIndexedEtag)
}

func TestMapPolicy_SkipsIndexesInProgress(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()
	e.addIndex(t, identity("docs"))
	e.put(t, "k/1", "1")

	inst := e.reg.Get("docs")
	require.True(t, inst.TryBeginIndexing())
	defer inst.EndIndexing()

	require.NoError(t, e.indexMap(t, p, "docs"))
	assert.True(t, e.stat(t, "docs").LastIndexedEtag.IsEmpty())
}

func TestMapPolicy_SkipsIndexesRemovedAfterSelection(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()
	e.addIndex(t, identity("docs"))
	e.put(t, "k/1", "1")

	w := p.GetIndexToWorkOn(e.stat(t, "docs"))
	require.NotNil(t, e.reg.Remove("docs"))

	require.NoError(t, p.ExecuteIndexingWork(t.Context(), []executor.IndexToWorkOn{w}, etag.Empty, executor.NewReindexTracker()))
	assert.True(t, e.stat(t, "docs").LastIndexedEtag.IsEmpty())
}

func TestMapPolicy_MapFailuresAreCounted(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()
	e.addIndex(t, index.NewMap("picky", func(_ *index.MapContext, doc *storage.Document) ([]index.Entry, error) {
		switch doc.Key {
		case "bad":
			return nil, errors.New("unsupported document")
		case "panic":
			panic("boom")
		}
		return []index.Entry{{Data: doc.Data}}, nil
	}))

	e.put(t, "good", "g")
	e.put(t, "bad", "b")
	last := e.put(t, "panic", "p")

	require.NoError(t, e.indexMap(t, p, "picky"))

	st := e.stat(t, "picky")
	assert.Equal(t, last, st.LastIndexedEtag)
	assert.Equal(t, storage.Counters{Attempts: 3, Successes: 1, Errors: 2}, st.Indexing)

	e.batch(t, func(acc storage.Accessor) error {
		got, err := acc.Indexing().Entries("picky", "bad")
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	})
}

func TestMapPolicy_MapFailureDropsPreviousOutput(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()
	strict := func(doc *storage.Document) error {
		if string(doc.Data) == "bad" {
			return errors.New("unsupported document")
		}
		return nil
	}
	e.addIndex(t, index.NewMap("docs", func(_ *index.MapContext, doc *storage.Document) ([]index.Entry, error) {
		if err := strict(doc); err != nil {
			return nil, err
		}
		return []index.Entry{{Data: doc.Data}}, nil
	}))
	e.addIndex(t, index.NewMapReduce("counts",
		func(_ *index.MapContext, doc *storage.Document) ([]index.Entry, error) {
			if err := strict(doc); err != nil {
				return nil, err
			}
			return []index.Entry{{ReduceKey: string(doc.Data), Data: []byte("1")}}, nil
		},
		func(string, [][]byte) ([]byte, error) { return nil, nil }))

	e.put(t, "k", "good")
	require.NoError(t, e.indexMap(t, p, "docs", "counts"))

	last := e.put(t, "k", "bad")
	require.NoError(t, e.indexMap(t, p, "docs", "counts"))
	assert.Equal(t, last, e.stat(t, "docs").LastIndexedEtag)
	assert.Equal(t, 1, e.stat(t, "docs").Indexing.Errors)

	e.batch(t, func(acc storage.Accessor) error {
		got, err := acc.Indexing().Entries("docs", "k")
		require.NoError(t, err)
		assert.Empty(t, got)

		mapped, err := acc.MappedResults().Get("counts", "good")
		require.NoError(t, err)
		assert.Empty(t, mapped)
		return nil
	})
}

func TestMapPolicy_OutOfMemoryFromMapAbortsBatch(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()
	e.addIndex(t, index.NewMap("hungry", func(*index.MapContext, *storage.Document) ([]index.Entry, error) {
		return nil, fmt.Errorf("allocate: %w", storage.ErrOutOfMemory)
	}))
	e.put(t, "k/1", "1")

	err := e.indexMap(t, p, "hungry")
	require.Error(t, err)
	assert.True(t, storage.IsOutOfMemory(err))

	st := e.stat(t, "hungry")
	assert.True(t, st.LastIndexedEtag.IsEmpty())
	assert.Zero(t, st.Indexing.Attempts)
}

func TestMapPolicy_RecordsReferences(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()
	e.addIndex(t, index.NewMap("orders", func(ctx *index.MapContext, doc *storage.Document) ([]index.Entry, error) {
		customer, err := ctx.LoadDocument(string(doc.Data))
		if err != nil {
			return nil, err
		}
		name := "unknown"
		if customer != nil {
			name = string(customer.Data)
		}
		return []index.Entry{{Data: []byte(name)}}, nil
	}))

	e.put(t, "orders/1", "customers/1")
	require.NoError(t, e.indexMap(t, p, "orders"))

	e.batch(t, func(acc storage.Accessor) error {
		refs, err := acc.Indexing().Referencing("customers/1")
		require.NoError(t, err)
		assert.Equal(t, []string{"orders/1"}, refs)

		got, err := acc.Indexing().Entries("orders", "orders/1")
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("unknown")}, got)
		return nil
	})
}

func TestMapPolicy_BatchSizeLimitsProgress(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{InitialBatchSize: 16, MinBatchSize: 16, MaxBatchSize: 16})
	p := e.mapPolicy()
	e.addIndex(t, identity("docs"))

	tags := make([]etag.Etag, 20)
	for i := range tags {
		tags[i] = e.put(t, fmt.Sprintf("k/%02d", i), "v")
	}

	require.NoError(t, e.indexMap(t, p, "docs"))
	assert.Equal(t, tags[15], e.stat(t, "docs").LastIndexedEtag)

	require.NoError(t, e.indexMap(t, p, "docs"))
	assert.Equal(t, tags[19], e.stat(t, "docs").LastIndexedEtag)
}

func TestMapPolicy_AdvancesPastTrailingDeletes(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()
	e.addIndex(t, identity("docs"))

	e.put(t, "k/1", "1")
	e.put(t, "k/2", "2")
	require.NoError(t, e.indexMap(t, p, "docs"))

	var deleted etag.Etag
	e.batch(t, func(acc storage.Accessor) error {
		var err error
		deleted, err = acc.Documents().Delete("k/2")
		return err
	})

	onlyIdle := true
	stale, err := p.IsIndexStale(e.stat(t, "docs"), deleted, nil, false, &onlyIdle)
	require.NoError(t, err)
	require.True(t, stale)

	require.NoError(t, e.indexMap(t, p, "docs"))
	assert.Equal(t, deleted, e.stat(t, "docs").LastIndexedEtag)
}

func TestMapPolicy_MemoryLimitIsOutOfMemory(t *testing.T) {
	e := newEnv(t, resource.Config{MemoryLimitBytes: 8}, resource.AutoTunerConfig{})
	p := e.mapPolicy()
	e.addIndex(t, identity("docs"))
	e.put(t, "big", "0123456789abcdef0123456789abcdef")

	err := e.indexMap(t, p, "docs")
	require.Error(t, err)
	assert.True(t, storage.IsOutOfMemory(err))
	assert.True(t, e.stat(t, "docs").LastIndexedEtag.IsEmpty())
	assert.Zero(t, e.rc.MemoryUsage())
	assert.False(t, e.reg.Get("docs").IndexingInProgress())
}

func TestMapPolicy_ReadLimitThrottlesBatches(t *testing.T) {
	e := newEnv(t, resource.Config{ReadBytesPerSec: 10}, resource.AutoTunerConfig{})
	p := e.mapPolicy()
	e.addIndex(t, identity("docs"))
	e.put(t, "k/1", string(make([]byte, 200)))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	w := p.GetIndexToWorkOn(e.stat(t, "docs"))
	err := p.ExecuteIndexingWork(ctx, []executor.IndexToWorkOn{w}, etag.Empty, executor.NewReindexTracker())
	require.Error(t, err)

	assert.True(t, e.stat(t, "docs").LastIndexedEtag.IsEmpty())
	assert.Zero(t, e.rc.MemoryUsage())
}

func TestMapPolicy_MapReduceWritesMappedResults(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()
	e.addIndex(t, countByBody("counts"))

	e.put(t, "k/1", "a")
	e.put(t, "k/2", "a")
	e.put(t, "k/3", "b")
	require.NoError(t, e.indexMap(t, p, "counts"))

	e.batch(t, func(acc storage.Accessor) error {
		m := acc.MappedResults()
		a, err := m.Get("counts", "a")
		require.NoError(t, err)
		assert.Len(t, a, 2)

		has, err := m.HasScheduledAfter("counts", etag.Empty)
		require.NoError(t, err)
		assert.True(t, has)
		return nil
	})

	// Reindexing a changed document moves its mapped result.
	e.put(t, "k/1", "b")
	require.NoError(t, e.indexMap(t, p, "counts"))

	e.batch(t, func(acc storage.Accessor) error {
		m := acc.MappedResults()
		a, err := m.Get("counts", "a")
		require.NoError(t, err)
		assert.Len(t, a, 1)

		b, err := m.Get("counts", "b")
		require.NoError(t, err)
		assert.Len(t, b, 2)
		return nil
	})
}

func TestMapPolicy_GetApplicableTaskMerges(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()

	e.batch(t, func(acc storage.Accessor) error {
		for _, key := range []string{"k/1", "k/2", "k/1"} {
			rec, err := task.Encode(&task.RemoveFromIndex{Index: "docs", Keys: []string{key}})
			require.NoError(t, err)
			_, err = acc.Tasks().Add(rec)
			require.NoError(t, err)
		}
		return nil
	})

	e.batch(t, func(acc storage.Accessor) error {
		tk, err := p.GetApplicableTask(acc)
		require.NoError(t, err)
		require.IsType(t, &task.RemoveFromIndex{}, tk)
		assert.Equal(t, []string{"k/1", "k/2"}, tk.(*task.RemoveFromIndex).Keys)

		n, err := acc.Tasks().Count()
		require.NoError(t, err)
		assert.Zero(t, n)

		tk, err = p.GetApplicableTask(acc)
		require.NoError(t, err)
		assert.Nil(t, tk)
		return nil
	})
}

func (e *env) deleteDocument(t *testing.T, key string, indexes ...string) {
	t.Helper()
	e.batch(t, func(acc storage.Accessor) error {
		if _, err := acc.Documents().Delete(key); err != nil {
			return err
		}
		for _, name := range indexes {
			rec, err := task.Encode(&task.RemoveFromIndex{Index: name, Keys: []string{key}})
			if err != nil {
				return err
			}
			if _, err := acc.Tasks().Add(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *env) drainTasks(t *testing.T, p *MapPolicy) {
	t.Helper()
	for {
		found := false
		e.batch(t, func(acc storage.Accessor) error {
			tk, err := p.GetApplicableTask(acc)
			if err != nil || tk == nil {
				return err
			}
			found = true
			return tk.Execute(t.Context(), task.Env{Accessor: acc})
		})
		if !found {
			return
		}
	}
}

func TestMapPolicy_ReaddedDocumentSurvivesRemoval(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()
	e.addIndex(t, identity("docs"))
	e.addIndex(t, countByBody("counts"))

	e.put(t, "x", "one")
	require.NoError(t, e.indexMap(t, p, "docs", "counts"))

	e.deleteDocument(t, "x", "docs", "counts")
	e.put(t, "x", "two")

	// The pass runs before the drain, as in the executor loop.
	require.NoError(t, e.indexMap(t, p, "docs", "counts"))
	e.drainTasks(t, p)

	e.batch(t, func(acc storage.Accessor) error {
		got, err := acc.Indexing().Entries("docs", "x")
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("two")}, got)

		mapped, err := acc.MappedResults().Get("counts", "two")
		require.NoError(t, err)
		assert.Len(t, mapped, 1)

		mapped, err = acc.MappedResults().Get("counts", "one")
		require.NoError(t, err)
		assert.Empty(t, mapped)

		n, err := acc.Tasks().Count()
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})
}

func TestMapPolicy_DeletedDocumentIsRemovedByTask(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()
	e.addIndex(t, identity("docs"))

	e.put(t, "x", "one")
	require.NoError(t, e.indexMap(t, p, "docs"))
	e.deleteDocument(t, "x", "docs")

	require.NoError(t, e.indexMap(t, p, "docs"))
	e.drainTasks(t, p)

	e.batch(t, func(acc storage.Accessor) error {
		got, err := acc.Indexing().Entries("docs", "x")
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	})
}

func TestMapPolicy_GetApplicableTaskReportsUndecodableRecords(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()

	e.batch(t, func(acc storage.Accessor) error {
		_, err := acc.Tasks().Add(storage.TaskRecord{Kind: task.KindRemoveFromIndex, Index: "docs", Payload: []byte("nope")})
		return err
	})

	e.batch(t, func(acc storage.Accessor) error {
		tk, err := p.GetApplicableTask(acc)
		require.NoError(t, err)
		require.NotNil(t, tk, "consumed records count as found work")
		assert.Equal(t, task.KindDiscarded, tk.Kind())
		require.NoError(t, tk.Execute(t.Context(), task.Env{Accessor: acc}))

		n, err := acc.Tasks().Count()
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})
}

func TestMapPolicy_FlushAllIndexes(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.mapPolicy()

	f := &flushingIndex{Index: identity("docs")}
	e.addIndex(t, f)

	require.NoError(t, p.FlushAllIndexes(t.Context()))
	assert.Equal(t, int32(1), f.flushes.Load())
}

type flushingIndex struct {
	index.Index
	flushes atomic.Int32
}

func (f *flushingIndex) Flush() error {
	f.flushes.Add(1)
	return nil
}

func TestReducePolicy_Selection(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	p := e.reducePolicy()
	e.addIndex(t, identity("plain"))
	e.addIndex(t, countByBody("counts"))

	assert.False(t, p.IsValidIndex(e.stat(t, "plain")))
	assert.True(t, p.IsValidIndex(e.stat(t, "counts")))

	e.batch(t, func(acc storage.Accessor) error {
		tk, err := p.GetApplicableTask(acc)
		assert.Nil(t, tk)
		return err
	})
}

func TestReducePolicy_ReducesScheduledKeys(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	mp, rp := e.mapPolicy(), e.reducePolicy()
	e.addIndex(t, countByBody("counts"))

	e.put(t, "k/1", "a")
	e.put(t, "k/2", "a")
	e.put(t, "k/3", "b")
	require.NoError(t, e.indexMap(t, mp, "counts"))

	before := e.stat(t, "counts")
	var scheduled etag.Etag
	e.batch(t, func(acc storage.Accessor) error {
		var err error
		scheduled, err = acc.MappedResults().LastScheduledEtag()
		require.NoError(t, err)

		onlyIdle := true
		stale, err := rp.IsIndexStale(before, scheduled, acc, false, &onlyIdle)
		require.NoError(t, err)
		assert.True(t, stale)
		assert.False(t, onlyIdle)
		return nil
	})

	require.NoError(t, e.reduce(t, rp, "counts"))

	st := e.stat(t, "counts")
	assert.Equal(t, scheduled, st.LastReducedEtag)
	assert.Equal(t, storage.Counters{Attempts: 2, Successes: 2}, st.Reduce)

	e.batch(t, func(acc storage.Accessor) error {
		m := acc.MappedResults()
		a, err := m.Reduced("counts", "a")
		require.NoError(t, err)
		assert.Equal(t, "2", string(a))

		b, err := m.Reduced("counts", "b")
		require.NoError(t, err)
		assert.Equal(t, "1", string(b))

		onlyIdle := true
		stale, err := rp.IsIndexStale(st, scheduled, acc, false, &onlyIdle)
		require.NoError(t, err)
		assert.False(t, stale)
		return nil
	})
}

func TestReducePolicy_RemovesReducedValueOfEmptiedKey(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	mp, rp := e.mapPolicy(), e.reducePolicy()
	e.addIndex(t, countByBody("counts"))

	e.put(t, "k/1", "a")
	e.put(t, "k/2", "b")
	require.NoError(t, e.indexMap(t, mp, "counts"))
	require.NoError(t, e.reduce(t, rp, "counts"))

	e.batch(t, func(acc storage.Accessor) error {
		rm := &task.RemoveFromIndex{Index: "counts", Keys: []string{"k/2"}}
		return rm.Execute(t.Context(), task.Env{Accessor: acc, Work: e.wc, Logger: slog.New(slog.DiscardHandler)})
	})
	require.NoError(t, e.reduce(t, rp, "counts"))

	e.batch(t, func(acc storage.Accessor) error {
		m := acc.MappedResults()
		_, err := m.Reduced("counts", "b")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		a, err := m.Reduced("counts", "a")
		require.NoError(t, err)
		assert.Equal(t, "1", string(a))
		return nil
	})
}

func TestReducePolicy_ReduceFailuresAreCounted(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	mp, rp := e.mapPolicy(), e.reducePolicy()
	e.addIndex(t, countByBody("counts"))

	e.put(t, "k/1", "bad")
	e.put(t, "k/2", "good")
	require.NoError(t, e.indexMap(t, mp, "counts"))
	require.NoError(t, e.reduce(t, rp, "counts"))

	st := e.stat(t, "counts")
	assert.Equal(t, storage.Counters{Attempts: 2, Successes: 1, Errors: 1}, st.Reduce)

	e.batch(t, func(acc storage.Accessor) error {
		has, err := acc.MappedResults().HasScheduledAfter("counts", etag.Empty)
		require.NoError(t, err)
		assert.False(t, has)
		return nil
	})
}

func TestExecutors_IndexAndReduceInBackground(t *testing.T) {
	e := newEnv(t, resource.Config{}, resource.AutoTunerConfig{})
	e.addIndex(t, identity("docs"))
	e.addIndex(t, countByBody("counts"))

	rc := resource.NewController(resource.Config{MaxBackgroundWorkers: 2})
	mapExec := executor.New("map", e.st, e.wc, e.mapPolicy(), executor.WithAutoTuner(e.tuner), executor.WithResourceController(rc))
	reduceExec := executor.New("reduce", e.st, e.wc, e.reducePolicy(), executor.WithAutoTuner(e.tuner), executor.WithResourceController(rc))

	done := make(chan error, 2)
	go func() { done <- mapExec.Run() }()
	go func() { done <- reduceExec.Run() }()

	for i := range 5 {
		body := "even"
		if i%2 == 1 {
			body = "odd"
		}
		e.batch(t, func(acc storage.Accessor) error {
			_, err := acc.Documents().Put(fmt.Sprintf("k/%d", i), []byte(body))
			e.wc.ShouldNotify(func() string { return "document put" })
			return err
		})
	}

	reduced := func(key string) string {
		var out []byte
		_ = e.st.Batch(t.Context(), func(acc storage.Accessor) error {
			out, _ = acc.MappedResults().Reduced("counts", key)
			return nil
		})
		return string(out)
	}
	assert.Eventually(t, func() bool {
		return reduced("even") == "3" && reduced("odd") == "2"
	}, 5*time.Second, 10*time.Millisecond)

	e.wc.StopWork()
	for range 2 {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("executor did not stop")
		}
	}

	e.batch(t, func(acc storage.Accessor) error {
		got, err := acc.Indexing().Entries("docs", "k/4")
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("even")}, got)
		return nil
	})
}
