package index

import (
	"errors"

	"github.com/hupe1980/docindex/storage"
)

// ErrNoReduce is returned by Reduce on a map-only index.
var ErrNoReduce = errors.New("index has no reduce function")

// Entry is one output of mapping a document.
type Entry struct {
	// ReduceKey groups entries of a map/reduce index. Ignored by map-only indexes.
	ReduceKey string

	// Data is the encoded entry.
	Data []byte
}

// Index computes index output from documents.
// Implementations must be safe for concurrent use.
type Index interface {
	Name() string

	// MapReduce reports whether entries are folded by Reduce.
	MapReduce() bool

	// Map produces the entries of doc.
	Map(ctx *MapContext, doc *storage.Document) ([]Entry, error)

	// Reduce folds the mapped values of one reduce key. A nil result with a nil
	// error removes the reduced value.
	Reduce(reduceKey string, mapped [][]byte) ([]byte, error)
}

// Flusher is implemented by indexes that buffer output.
type Flusher interface {
	Flush() error
}

// MapFunc maps a document to entries.
type MapFunc func(ctx *MapContext, doc *storage.Document) ([]Entry, error)

// ReduceFunc folds the mapped values of one reduce key.
type ReduceFunc func(reduceKey string, mapped [][]byte) ([]byte, error)

type funcIndex struct {
	name   string
	mapFn  MapFunc
	reduce ReduceFunc
}

// NewMap returns a map-only index backed by fn.
func NewMap(name string, fn MapFunc) Index {
	return &funcIndex{name: name, mapFn: fn}
}

// NewMapReduce returns a map/reduce index.
func NewMapReduce(name string, mapFn MapFunc, reduceFn ReduceFunc) Index {
	return &funcIndex{name: name, mapFn: mapFn, reduce: reduceFn}
}

func (f *funcIndex) Name() string    { return f.name }
func (f *funcIndex) MapReduce() bool { return f.reduce != nil }

func (f *funcIndex) Map(ctx *MapContext, doc *storage.Document) ([]Entry, error) {
	return f.mapFn(ctx, doc)
}

func (f *funcIndex) Reduce(reduceKey string, mapped [][]byte) ([]byte, error) {
	if f.reduce == nil {
		return nil, ErrNoReduce
	}
	return f.reduce(reduceKey, mapped)
}
