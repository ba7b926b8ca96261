package docindex

import (
	"github.com/hupe1980/docindex/etag"
	"github.com/hupe1980/docindex/index"
	"github.com/hupe1980/docindex/storage"
	"github.com/hupe1980/docindex/storage/pebble"
)

type (
	// Etag orders document and index mutations.
	Etag = etag.Etag

	// Document is a stored document.
	Document = storage.Document

	// Index computes index output from documents.
	Index = index.Index

	// Entry is one output of mapping a document.
	Entry = index.Entry

	// MapContext is passed to map functions. LoadDocument records references so
	// that changes to loaded documents reindex the caller.
	MapContext = index.MapContext

	// MapFunc maps a document to entries.
	MapFunc = index.MapFunc

	// ReduceFunc folds the mapped values of one reduce key.
	ReduceFunc = index.ReduceFunc

	// IndexStats is the persisted progress and failure record of an index.
	IndexStats = storage.IndexStats

	// Priority controls when an index is scheduled.
	Priority = storage.Priority

	// CompressionType selects the document body compression.
	CompressionType = pebble.CompressionType
)

// Index priorities.
const (
	PriorityNormal    = storage.PriorityNormal
	PriorityDisabled  = storage.PriorityDisabled
	PriorityIdle      = storage.PriorityIdle
	PriorityAbandoned = storage.PriorityAbandoned
	PriorityError     = storage.PriorityError
)

// Document body compression types.
const (
	CompressionNone = pebble.CompressionNone
	CompressionLZ4  = pebble.CompressionLZ4
	CompressionZSTD = pebble.CompressionZSTD
)

// NewMapIndex returns a map-only index backed by fn.
func NewMapIndex(name string, fn MapFunc) Index {
	return index.NewMap(name, fn)
}

// NewMapReduceIndex returns a map/reduce index.
func NewMapReduceIndex(name string, mapFn MapFunc, reduceFn ReduceFunc) Index {
	return index.NewMapReduce(name, mapFn, reduceFn)
}
