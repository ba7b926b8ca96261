package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/hupe1980/docindex/storage"
	"github.com/hupe1980/docindex/work"
	"github.com/puzpuzpuz/xsync/v3"
)

type keySet = xsync.MapOf[string, struct{}]

// ReindexTracker makes sure documents written during a pass reindex the
// documents that loaded them.
//
// It holds the references observed during the current pass, keyed by the
// loaded document, and the keys written while the pass runs. Both are owned
// by one executor and cleared at the end of every pass.
type ReindexTracker struct {
	referencing *xsync.MapOf[string, *keySet]
	added       atomic.Pointer[keySet]
}

// NewReindexTracker creates an empty tracker.
func NewReindexTracker() *ReindexTracker {
	return &ReindexTracker{referencing: xsync.NewMapOf[string, *keySet]()}
}

// AddReference records that dependent loaded referenced.
func (t *ReindexTracker) AddReference(referenced, dependent string) {
	set, _ := t.referencing.LoadOrCompute(referenced, func() *keySet {
		return xsync.NewMapOf[string, struct{}]()
	})
	set.Store(dependent, struct{}{})
}

// DocumentWritten records a write made while a pass runs. It reports false
// between passes, where the next pass's etag scan picks the write up instead.
func (t *ReindexTracker) DocumentWritten(key string) bool {
	set := t.added.Load()
	if set == nil {
		return false
	}
	set.Store(key, struct{}{})
	return true
}

// InPass reports whether a pass is collecting written keys.
func (t *ReindexTracker) InPass() bool { return t.added.Load() != nil }

func (t *ReindexTracker) beginPass() {
	t.added.Store(xsync.NewMapOf[string, struct{}]())
}

// Clear drops every reference and written key.
func (t *ReindexTracker) Clear() {
	t.added.Store(nil)
	t.referencing.Clear()
}

// dependents returns the sorted dependents of every written key.
func (t *ReindexTracker) dependents(added *keySet) []string {
	seen := make(map[string]struct{})
	added.Range(func(key string, _ struct{}) bool {
		if set, ok := t.referencing.Load(key); ok {
			set.Range(func(dep string, _ struct{}) bool {
				seen[dep] = struct{}{}
				return true
			})
		}
		return true
	})

	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Reconcile touches every distinct dependent of the keys written during the
// pass so the next pass reindexes it. The tracker is cleared on return.
func (t *ReindexTracker) Reconcile(ctx context.Context, st storage.Storage, wc *work.Context) (int, error) {
	defer t.Clear()

	added := t.added.Swap(nil)
	if added == nil || added.Size() == 0 {
		return 0, nil
	}
	deps := t.dependents(added)
	if len(deps) == 0 {
		return 0, nil
	}

	touched := 0
	err := st.Batch(ctx, func(acc storage.Accessor) error {
		touched = 0
		for _, key := range deps {
			if _, _, err := acc.Documents().Touch(key); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return fmt.Errorf("touch %s: %w", key, err)
			}
			touched++
		}
		if touched > 0 {
			n := touched
			wc.ShouldNotify(func() string {
				return fmt.Sprintf("documents need reindexing: %d touched", n)
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return touched, nil
}
