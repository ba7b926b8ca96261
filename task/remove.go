package task

import (
	"context"
	"errors"
	"slices"

	"github.com/hupe1980/docindex/codec"
	"github.com/hupe1980/docindex/storage"
)

// KindRemoveFromIndex identifies RemoveFromIndex records.
const KindRemoveFromIndex = "remove-from-index"

func init() {
	Register(KindRemoveFromIndex, func(payload []byte) (Task, error) {
		t := &RemoveFromIndex{}
		if err := codec.Default.Unmarshal(payload, t); err != nil {
			return nil, err
		}
		return t, nil
	})
}

// RemoveFromIndex removes the output of deleted documents from one index.
type RemoveFromIndex struct {
	Index string   `json:"index"`
	Keys  []string `json:"keys"`
}

// Kind implements Task.
func (t *RemoveFromIndex) Kind() string { return KindRemoveFromIndex }

// IndexName implements Task.
func (t *RemoveFromIndex) IndexName() string { return t.Index }

// Merge implements Task.
func (t *RemoveFromIndex) Merge(other Task) bool {
	o, ok := other.(*RemoveFromIndex)
	if !ok || o.Index != t.Index {
		return false
	}
	for _, k := range o.Keys {
		if !slices.Contains(t.Keys, k) {
			t.Keys = append(t.Keys, k)
		}
	}
	return true
}

// Execute deletes entries, mapped results and references of every key that
// is still deleted. Keys written again since the deletion belong to the map
// phase, which replaces their output. Mapped result removal schedules the
// affected reductions.
func (t *RemoveFromIndex) Execute(ctx context.Context, env Env) error {
	x := env.Accessor.Indexing()
	m := env.Accessor.MappedResults()

	removed := 0
	for _, key := range t.Keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := env.Accessor.Documents().Get(key); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := x.DeleteEntries(t.Index, key); err != nil {
			return err
		}
		if err := m.DeleteFor(t.Index, key); err != nil {
			return err
		}
		if err := x.UpdateReferences(t.Index, key, nil); err != nil {
			return err
		}
		removed++
	}

	if env.Logger != nil {
		env.Logger.Debug("Removed documents from index", "index", t.Index, "keys", removed, "skipped", len(t.Keys)-removed)
	}
	return nil
}
