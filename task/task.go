// Package task defines the background tasks drained by the indexing executors
// between passes.
//
// Tasks are persisted in the storage task queue as records holding a kind and
// a codec-encoded payload. Executing a task is at-most-once: a dequeued task is
// consumed whether or not it succeeds.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hupe1980/docindex/codec"
	"github.com/hupe1980/docindex/storage"
	"github.com/hupe1980/docindex/work"
)

// ErrUnknownKind is returned when decoding a record of an unregistered kind.
var ErrUnknownKind = errors.New("unknown task kind")

// Env is what a task executes against.
type Env struct {
	Accessor storage.Accessor
	Work     *work.Context
	Logger   *slog.Logger
}

// Task is a background unit of work.
type Task interface {
	Kind() string
	IndexName() string

	// Merge folds other into the receiver. It returns false when the two tasks
	// cannot be combined.
	Merge(other Task) bool

	Execute(ctx context.Context, env Env) error
}

// DecodeFunc rebuilds a task from its persisted payload.
type DecodeFunc func(payload []byte) (Task, error)

var (
	decodersMu sync.RWMutex
	decoders   = make(map[string]DecodeFunc)
)

// Register makes a task kind decodable.
func Register(kind string, decode DecodeFunc) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[kind] = decode
}

// Encode converts a task into a storage record.
func Encode(t Task) (storage.TaskRecord, error) {
	payload, err := codec.Default.Marshal(t)
	if err != nil {
		return storage.TaskRecord{}, fmt.Errorf("encode %s task: %w", t.Kind(), err)
	}
	return storage.TaskRecord{Kind: t.Kind(), Index: t.IndexName(), Payload: payload}, nil
}

// Decode rebuilds a task from a storage record.
func Decode(rec storage.TaskRecord) (Task, error) {
	decodersMu.RLock()
	decode, ok := decoders[rec.Kind]
	decodersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, rec.Kind)
	}
	t, err := decode(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s task %s: %w", rec.Kind, rec.ID, err)
	}
	return t, nil
}

// DecodeMerged decodes records and merges them into the first decodable one.
// Records that cannot be decoded or merged are reported as an error; they were
// already dequeued. When no record decodes, the result is a Discarded task so
// the dequeue still counts as found work.
func DecodeMerged(recs []storage.TaskRecord) (Task, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	var (
		first Task
		errs  []error
	)
	for _, rec := range recs {
		t, err := Decode(rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if first == nil {
			first = t
			continue
		}
		if !first.Merge(t) {
			errs = append(errs, fmt.Errorf("task %s cannot merge into %s", rec.ID, first.Kind()))
		}
	}
	if first == nil {
		first = &Discarded{Index: recs[0].Index, Records: len(recs)}
	}
	return first, errors.Join(errs...)
}

// KindDiscarded identifies Discarded tasks.
const KindDiscarded = "discarded"

// Discarded stands in for dequeued records that could not be decoded.
// Executing it does nothing.
type Discarded struct {
	Index   string
	Records int
}

// Kind implements Task.
func (d *Discarded) Kind() string { return KindDiscarded }

// IndexName implements Task.
func (d *Discarded) IndexName() string { return d.Index }

// Merge implements Task.
func (d *Discarded) Merge(other Task) bool {
	o, ok := other.(*Discarded)
	if !ok || o.Index != d.Index {
		return false
	}
	d.Records += o.Records
	return true
}

// Execute implements Task.
func (d *Discarded) Execute(context.Context, Env) error { return nil }
