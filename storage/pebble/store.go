// Package pebble implements the storage contract on top of cockroachdb/pebble.
//
// A Store owns one pebble database. Every Batch runs on an indexed pebble batch
// (reads observe the batch's own writes) and batches are serialized by a
// store-wide mutex, which makes them serializable. Etags come from a generator
// whose restart half is persisted and bumped on every Open.
package pebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/hupe1980/docindex/codec"
	"github.com/hupe1980/docindex/etag"
	"github.com/hupe1980/docindex/storage"
)

// Compile time check to ensure Store satisfies the storage interface.
var _ storage.Storage = (*Store)(nil)

// Options configures a Store.
type Options struct {
	// FS overrides the filesystem. Use vfs.NewMem() for an in-memory store.
	FS vfs.FS

	// Compression selects the document body compression.
	Compression CompressionType

	// CommitHook is invoked after every successful batch commit.
	CommitHook func()

	// Sync makes every commit durable before Batch returns.
	Sync bool

	// Codec encodes index stats, task records and reference lists.
	// If nil, codec.Default is used.
	Codec codec.Codec

	// Now overrides the clock used for timestamps.
	Now func() time.Time

	Logger *slog.Logger
}

// InMemory returns options for a store backed by an in-memory filesystem.
func InMemory() Options {
	return Options{FS: vfs.NewMem()}
}

// Store is a pebble-backed transactional document store.
type Store struct {
	db    *pebble.DB
	opts  Options
	codec codec.Codec

	mu       sync.Mutex
	restarts uint64
	changes  atomic.Uint64
	closed   atomic.Bool
}

// Open opens (or creates) a store in dir.
func Open(dir string, opts Options) (*Store, error) {
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	db, err := pebble.Open(dir, &pebble.Options{FS: opts.FS})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	s := &Store{db: db, opts: opts, codec: opts.Codec}
	if err := s.bumpRestarts(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if opts.Logger != nil {
		opts.Logger.Info("Storage opened", "dir", dir, "restarts", s.restarts, "compression", opts.Compression.String())
	}
	return s, nil
}

func (s *Store) bumpRestarts() error {
	var restarts uint64
	val, closer, err := s.db.Get(metaRestartsKey)
	switch {
	case err == nil:
		restarts = binary.BigEndian.Uint64(val)
		_ = closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		return fmt.Errorf("read restarts: %w", err)
	}

	restarts++
	buf := binary.BigEndian.AppendUint64(nil, restarts)
	if err := s.db.Set(metaRestartsKey, buf, pebble.Sync); err != nil {
		return fmt.Errorf("write restarts: %w", err)
	}
	s.restarts = restarts
	return nil
}

func (s *Store) nextEtag() etag.Etag {
	return etag.New(s.restarts, s.changes.Add(1))
}

func (s *Store) writeOptions() *pebble.WriteOptions {
	if s.opts.Sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// Batch implements storage.Storage.
func (s *Store) Batch(ctx context.Context, fn func(storage.Accessor) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return storage.ErrClosed
	}

	if err := s.runBatch(fn); err != nil {
		return err
	}

	if s.opts.CommitHook != nil {
		s.opts.CommitHook()
	}
	return nil
}

func (s *Store) runBatch(fn func(storage.Accessor) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewIndexedBatch()
	defer b.Close()

	a := &accessor{s: s, b: b, now: s.opts.Now()}
	if err := fn(a); err != nil {
		return err
	}

	if b.Empty() {
		return nil
	}
	if err := b.Commit(s.writeOptions()); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Flush implements storage.Storage.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return s.db.Flush()
}

// Metrics exposes the underlying pebble metrics.
func (s *Store) Metrics() *pebble.Metrics {
	return s.db.Metrics()
}

// Close implements storage.Storage.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type accessor struct {
	s   *Store
	b   *pebble.Batch
	now time.Time
}

func (a *accessor) Documents() storage.Documents         { return documents{a} }
func (a *accessor) Indexing() storage.Indexing           { return indexing{a} }
func (a *accessor) Tasks() storage.Tasks                 { return tasks{a} }
func (a *accessor) MappedResults() storage.MappedResults { return mappedResults{a} }

// get returns a copy of the value stored at key, or storage.ErrNotFound.
func (a *accessor) get(key []byte) ([]byte, error) {
	val, closer, err := a.b.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (a *accessor) set(key, val []byte) error {
	return a.b.Set(key, val, nil)
}

func (a *accessor) del(key []byte) error {
	return a.b.Delete(key, nil)
}

func (a *accessor) getEtag(key []byte) (etag.Etag, error) {
	val, err := a.get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return etag.Empty, nil
	}
	if err != nil {
		return etag.Empty, err
	}
	return etag.FromBytes(val)
}

// scan visits every key/value in [lower, upper) in order until fn returns false.
// Keys and values passed to fn are only valid during the call.
func (a *accessor) scan(lower, upper []byte, fn func(key, val []byte) (bool, error)) error {
	it, err := a.b.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	for valid := it.First(); valid; valid = it.Next() {
		more, err := fn(it.Key(), it.Value())
		if err != nil {
			_ = it.Close()
			return err
		}
		if !more {
			break
		}
	}
	return it.Close()
}

// deletePrefix deletes every key starting with prefix.
func (a *accessor) deletePrefix(prefix []byte) error {
	var keys [][]byte
	if err := a.scan(prefix, prefixEnd(prefix), func(key, _ []byte) (bool, error) {
		keys = append(keys, append([]byte(nil), key...))
		return true, nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := a.del(k); err != nil {
			return err
		}
	}
	return nil
}
