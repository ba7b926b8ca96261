// Package storage defines the transactional storage contract consumed by the
// indexing executors.
//
// All reads and writes of documents, index statistics, the task queue and
// map/reduce intermediate results go through a Storage. A Storage is solely
// responsible for serializability: each Batch observes a consistent view and
// its writes become visible atomically when the batch function returns nil.
package storage

import (
	"context"
	"time"

	"github.com/hupe1980/docindex/etag"
)

// Storage is a transactional document store.
type Storage interface {
	// Batch runs fn inside one scoped transaction. The transaction is committed
	// when fn returns nil and discarded otherwise. Batch returns ctx.Err() without
	// running fn when ctx is already done.
	Batch(ctx context.Context, fn func(Accessor) error) error

	// Flush persists buffered writes.
	Flush() error

	// Close releases the storage.
	Close() error
}

// Accessor exposes the storage actions available inside a batch.
type Accessor interface {
	Documents() Documents
	Indexing() Indexing
	Tasks() Tasks
	MappedResults() MappedResults
}

// Document is a stored document.
type Document struct {
	Key          string
	Etag         etag.Etag
	Data         []byte
	LastModified time.Time
}

// Documents provides document actions.
type Documents interface {
	// Put stores a document and returns its new etag.
	Put(key string, data []byte) (etag.Etag, error)

	// Get returns a document or ErrNotFound.
	Get(key string) (*Document, error)

	// Delete removes a document. Deletion consumes an etag so that indexes which
	// already saw the document become stale. Returns ErrNotFound when absent.
	Delete(key string) (etag.Etag, error)

	// Touch assigns a new etag to a document without changing its content.
	// It returns the etag before and after the touch, or ErrNotFound.
	Touch(key string) (preTouch, afterTouch etag.Etag, err error)

	// After returns up to take documents with an etag greater than start, in etag
	// order. If maxBytes > 0 the result stops once the accumulated body size
	// reaches maxBytes (at least one document is always returned).
	After(start etag.Etag, take int, maxBytes int64) ([]*Document, error)

	// LastEtag returns the highest etag assigned to a document mutation.
	LastEtag() (etag.Etag, error)

	// Count returns the number of stored documents.
	Count() (int, error)
}

// Counters accumulates attempts for one indexing phase.
type Counters struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
	Errors    int `json:"errors"`
}

// Add returns the sum of two counters.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Attempts:  c.Attempts + o.Attempts,
		Successes: c.Successes + o.Successes,
		Errors:    c.Errors + o.Errors,
	}
}

// IndexStats is the persisted per-index record.
type IndexStats struct {
	Name                 string    `json:"name"`
	Priority             Priority  `json:"priority"`
	MapReduce            bool      `json:"map_reduce"`
	CreatedAt            time.Time `json:"created_at"`
	LastIndexedEtag      etag.Etag `json:"last_indexed_etag"`
	LastIndexedTimestamp time.Time `json:"last_indexed_timestamp"`
	LastReducedEtag      etag.Etag `json:"last_reduced_etag"`
	LastReducedTimestamp time.Time `json:"last_reduced_timestamp"`
	LastIndexingTime     time.Time `json:"last_indexing_time"`
	Indexing             Counters  `json:"indexing"`
	Reduce               Counters  `json:"reduce"`
}

// Indexing provides index statistics, index entries and document references.
type Indexing interface {
	AddIndex(name string, priority Priority, mapReduce bool) error
	DeleteIndex(name string) error

	// Stats returns every index record ordered by name.
	Stats() ([]IndexStats, error)
	Stat(name string) (IndexStats, error)
	FailureRate(name string) (FailureRate, error)

	SetPriority(name string, priority Priority) error
	ResetFailures(name string) error

	UpdateLastIndexed(name string, e etag.Etag, at time.Time) error
	UpdateLastReduced(name string, e etag.Etag, at time.Time) error
	RecordIndexing(name string, c Counters) error
	RecordReduce(name string, c Counters) error

	PutEntries(index, docKey string, entries [][]byte) error
	DeleteEntries(index, docKey string) error
	Entries(index, docKey string) ([][]byte, error)

	// UpdateReferences replaces the set of documents that referencer loaded while
	// being indexed by index.
	UpdateReferences(index, referencer string, referenced []string) error

	// Referencing returns the documents that loaded key while being indexed.
	Referencing(key string) ([]string, error)
}

// TaskRecord is a persisted background task.
type TaskRecord struct {
	ID      etag.Etag
	Kind    string
	Index   string
	Payload []byte
	AddedAt time.Time
}

// Tasks provides the background task queue.
type Tasks interface {
	// Add enqueues a task and returns its id.
	Add(rec TaskRecord) (etag.Etag, error)

	// Next removes and returns the oldest record accepted by match, followed by
	// up to maxMerge-1 later records of the same kind and index. It returns nil
	// when no record matches. Records that cannot be decoded are removed.
	Next(match func(TaskRecord) bool, maxMerge int) ([]TaskRecord, error)

	Count() (int, error)
}

// ScheduledReduction marks a reduce key that must be recomputed.
type ScheduledReduction struct {
	Etag      etag.Etag
	ReduceKey string
}

// MappedResults provides map/reduce intermediate results.
type MappedResults interface {
	// Put stores a mapped result and schedules its reduce key.
	Put(index, reduceKey, docKey string, data []byte) error

	// DeleteFor removes every mapped result produced by docKey and schedules the
	// affected reduce keys.
	DeleteFor(index, docKey string) error

	Get(index, reduceKey string) ([][]byte, error)

	ScheduledAfter(index string, after etag.Etag, take int) ([]ScheduledReduction, error)
	HasScheduledAfter(index string, after etag.Etag) (bool, error)
	RemoveScheduled(index string, upTo etag.Etag) error

	// LastScheduledEtag returns the highest etag assigned to a scheduled
	// reduction across all indexes.
	LastScheduledEtag() (etag.Etag, error)

	PutReduced(index, reduceKey string, data []byte) error
	DeleteReduced(index, reduceKey string) error
	Reduced(index, reduceKey string) ([]byte, error)
}
