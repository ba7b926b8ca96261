package task

import (
	"context"
	"testing"

	"github.com/hupe1980/docindex/etag"
	"github.com/hupe1980/docindex/storage"
	"github.com/hupe1980/docindex/storage/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	rec, err := Encode(&RemoveFromIndex{Index: "orders", Keys: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, KindRemoveFromIndex, rec.Kind)
	assert.Equal(t, "orders", rec.Index)

	got, err := Decode(rec)
	require.NoError(t, err)
	assert.Equal(t, &RemoveFromIndex{Index: "orders", Keys: []string{"a", "b"}}, got)

	_, err = Decode(storage.TaskRecord{Kind: "nope"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRemoveFromIndex_Merge(t *testing.T) {
	a := &RemoveFromIndex{Index: "i", Keys: []string{"1", "2"}}
	assert.True(t, a.Merge(&RemoveFromIndex{Index: "i", Keys: []string{"2", "3"}}))
	assert.Equal(t, []string{"1", "2", "3"}, a.Keys)

	assert.False(t, a.Merge(&RemoveFromIndex{Index: "other", Keys: []string{"4"}}))
	assert.Equal(t, []string{"1", "2", "3"}, a.Keys)
}

func TestDecodeMerged(t *testing.T) {
	var recs []storage.TaskRecord
	for _, keys := range [][]string{{"a"}, {"b"}, {"a", "c"}} {
		rec, err := Encode(&RemoveFromIndex{Index: "i", Keys: keys})
		require.NoError(t, err)
		recs = append(recs, rec)
	}

	merged, err := DecodeMerged(recs)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, merged.(*RemoveFromIndex).Keys)

	empty, err := DecodeMerged(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestRemoveFromIndex_Execute(t *testing.T) {
	s, err := pebble.Open("", pebble.InMemory())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Batch(t.Context(), func(a storage.Accessor) error {
		require.NoError(t, a.Indexing().PutEntries("i", "doc", [][]byte{[]byte("e")}))
		require.NoError(t, a.Indexing().UpdateReferences("i", "doc", []string{"ref"}))
		require.NoError(t, a.MappedResults().Put("i", "k", "doc", []byte("1")))
		return nil
	}))

	var before etag.Etag
	require.NoError(t, s.Batch(t.Context(), func(a storage.Accessor) error {
		before, err = a.MappedResults().LastScheduledEtag()
		require.NoError(t, err)
		return (&RemoveFromIndex{Index: "i", Keys: []string{"doc"}}).Execute(t.Context(), Env{Accessor: a})
	}))

	require.NoError(t, s.Batch(t.Context(), func(a storage.Accessor) error {
		entries, err := a.Indexing().Entries("i", "doc")
		require.NoError(t, err)
		assert.Empty(t, entries)

		refs, err := a.Indexing().Referencing("ref")
		require.NoError(t, err)
		assert.Empty(t, refs)

		mapped, err := a.MappedResults().Get("i", "k")
		require.NoError(t, err)
		assert.Empty(t, mapped)

		has, err := a.MappedResults().HasScheduledAfter("i", before)
		require.NoError(t, err)
		assert.True(t, has, "removal reschedules the reduce key")
		return nil
	}))
}

func TestRemoveFromIndex_ExecuteSkipsRewrittenKeys(t *testing.T) {
	s, err := pebble.Open("", pebble.InMemory())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Batch(t.Context(), func(a storage.Accessor) error {
		_, err := a.Documents().Put("back", []byte("new"))
		require.NoError(t, err)
		require.NoError(t, a.Indexing().PutEntries("i", "back", [][]byte{[]byte("new")}))
		require.NoError(t, a.Indexing().PutEntries("i", "gone", [][]byte{[]byte("old")}))
		require.NoError(t, a.MappedResults().Put("i", "new", "back", []byte("1")))
		return nil
	}))

	require.NoError(t, s.Batch(t.Context(), func(a storage.Accessor) error {
		return (&RemoveFromIndex{Index: "i", Keys: []string{"back", "gone"}}).Execute(t.Context(), Env{Accessor: a})
	}))

	require.NoError(t, s.Batch(t.Context(), func(a storage.Accessor) error {
		entries, err := a.Indexing().Entries("i", "back")
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("new")}, entries)

		mapped, err := a.MappedResults().Get("i", "new")
		require.NoError(t, err)
		assert.Len(t, mapped, 1)

		entries, err = a.Indexing().Entries("i", "gone")
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	}))
}

func TestDecodeMerged_Undecodable(t *testing.T) {
	bad := storage.TaskRecord{Kind: KindRemoveFromIndex, Index: "i", Payload: []byte("nope")}
	good, err := Encode(&RemoveFromIndex{Index: "i", Keys: []string{"a"}})
	require.NoError(t, err)

	merged, err := DecodeMerged([]storage.TaskRecord{bad, good})
	assert.Error(t, err)
	assert.Equal(t, &RemoveFromIndex{Index: "i", Keys: []string{"a"}}, merged)

	merged, err = DecodeMerged([]storage.TaskRecord{bad, bad})
	assert.Error(t, err)
	require.IsType(t, &Discarded{}, merged)
	assert.Equal(t, 2, merged.(*Discarded).Records)
	assert.Equal(t, KindDiscarded, merged.Kind())
	assert.NoError(t, merged.Execute(t.Context(), Env{}))
}

func TestRemoveFromIndex_ExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := (&RemoveFromIndex{Index: "i", Keys: []string{"doc"}}).Execute(ctx, Env{Accessor: nilAccessor{}})
	assert.ErrorIs(t, err, context.Canceled)
}

type nilAccessor struct{ storage.Accessor }

func (nilAccessor) Indexing() storage.Indexing           { return nil }
func (nilAccessor) MappedResults() storage.MappedResults { return nil }
