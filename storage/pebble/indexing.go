package pebble

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hupe1980/docindex/etag"
	"github.com/hupe1980/docindex/storage"
)

type indexing struct{ a *accessor }

func (x indexing) put(st storage.IndexStats) error {
	val, err := x.a.s.codec.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode stats %q: %w", st.Name, err)
	}
	return x.a.set(key(prefixStats, st.Name), val)
}

func (x indexing) decode(val []byte) (storage.IndexStats, error) {
	var st storage.IndexStats
	if err := x.a.s.codec.Unmarshal(val, &st); err != nil {
		return storage.IndexStats{}, fmt.Errorf("decode stats: %w", err)
	}
	return st, nil
}

// update applies fn to the stored record of name.
func (x indexing) update(name string, fn func(*storage.IndexStats)) error {
	st, err := x.Stat(name)
	if err != nil {
		return err
	}
	fn(&st)
	return x.put(st)
}

func (x indexing) AddIndex(name string, priority storage.Priority, mapReduce bool) error {
	if err := validKey(name); err != nil {
		return err
	}
	if _, err := x.a.get(key(prefixStats, name)); err == nil {
		return fmt.Errorf("%w: %s", storage.ErrIndexExists, name)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return x.put(storage.IndexStats{
		Name:      name,
		Priority:  priority,
		MapReduce: mapReduce,
		CreatedAt: x.a.now,
	})
}

func (x indexing) DeleteIndex(name string) error {
	k := key(prefixStats, name)
	if _, err := x.a.get(k); err != nil {
		return err
	}
	if err := x.a.del(k); err != nil {
		return err
	}

	// Reverse references are keyed by the referenced document, so walk the
	// forward lists of this index to find them.
	fwd := scope(prefixForward, name)
	var lists [][2]string
	err := x.a.scan(fwd, prefixEnd(fwd), func(k, val []byte) (bool, error) {
		referencer := string(k[len(fwd):])
		var refs []string
		if err := x.a.s.codec.Unmarshal(val, &refs); err != nil {
			return false, err
		}
		for _, r := range refs {
			lists = append(lists, [2]string{r, referencer})
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, l := range lists {
		if err := x.a.del(key(prefixRefs, l[0], l[1], name)); err != nil {
			return err
		}
	}

	for _, p := range [][]byte{prefixForward, prefixEntries, prefixMapped, prefixMappedDoc, prefixSchedule, prefixReduced} {
		if err := x.a.deletePrefix(scope(p, name)); err != nil {
			return err
		}
	}
	return nil
}

func (x indexing) Stats() ([]storage.IndexStats, error) {
	var out []storage.IndexStats
	err := x.a.scan(prefixStats, prefixEnd(prefixStats), func(_, val []byte) (bool, error) {
		st, err := x.decode(val)
		if err != nil {
			return false, err
		}
		out = append(out, st)
		return true, nil
	})
	return out, err
}

func (x indexing) Stat(name string) (storage.IndexStats, error) {
	val, err := x.a.get(key(prefixStats, name))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.IndexStats{}, fmt.Errorf("index %q: %w", name, err)
		}
		return storage.IndexStats{}, err
	}
	return x.decode(val)
}

func (x indexing) FailureRate(name string) (storage.FailureRate, error) {
	st, err := x.Stat(name)
	if err != nil {
		return storage.FailureRate{}, err
	}
	return storage.FailureRateOf(st), nil
}

func (x indexing) SetPriority(name string, priority storage.Priority) error {
	return x.update(name, func(st *storage.IndexStats) { st.Priority = priority })
}

func (x indexing) ResetFailures(name string) error {
	return x.update(name, func(st *storage.IndexStats) {
		st.Indexing = storage.Counters{}
		st.Reduce = storage.Counters{}
	})
}

func (x indexing) UpdateLastIndexed(name string, e etag.Etag, at time.Time) error {
	return x.update(name, func(st *storage.IndexStats) {
		st.LastIndexedEtag = e
		st.LastIndexedTimestamp = at
	})
}

func (x indexing) UpdateLastReduced(name string, e etag.Etag, at time.Time) error {
	return x.update(name, func(st *storage.IndexStats) {
		st.LastReducedEtag = e
		st.LastReducedTimestamp = at
	})
}

func (x indexing) RecordIndexing(name string, c storage.Counters) error {
	return x.update(name, func(st *storage.IndexStats) {
		st.Indexing = st.Indexing.Add(c).Decay()
		st.LastIndexingTime = x.a.now
	})
}

func (x indexing) RecordReduce(name string, c storage.Counters) error {
	return x.update(name, func(st *storage.IndexStats) {
		st.Reduce = st.Reduce.Add(c).Decay()
		st.LastIndexingTime = x.a.now
	})
}

func (x indexing) PutEntries(index, docKey string, entries [][]byte) error {
	if len(entries) == 0 {
		return x.DeleteEntries(index, docKey)
	}
	val, err := x.a.s.codec.Marshal(entries)
	if err != nil {
		return err
	}
	return x.a.set(key(prefixEntries, index, docKey), val)
}

func (x indexing) DeleteEntries(index, docKey string) error {
	return x.a.del(key(prefixEntries, index, docKey))
}

func (x indexing) Entries(index, docKey string) ([][]byte, error) {
	val, err := x.a.get(key(prefixEntries, index, docKey))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries [][]byte
	if err := x.a.s.codec.Unmarshal(val, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (x indexing) UpdateReferences(index, referencer string, referenced []string) error {
	fk := key(prefixForward, index, referencer)

	if val, err := x.a.get(fk); err == nil {
		var old []string
		if err := x.a.s.codec.Unmarshal(val, &old); err != nil {
			return err
		}
		for _, r := range old {
			if err := x.a.del(key(prefixRefs, r, referencer, index)); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	refs := make([]string, 0, len(referenced))
	for _, r := range referenced {
		if r == referencer || validKey(r) != nil || slices.Contains(refs, r) {
			continue
		}
		refs = append(refs, r)
	}
	if len(refs) == 0 {
		return x.a.del(fk)
	}

	val, err := x.a.s.codec.Marshal(refs)
	if err != nil {
		return err
	}
	if err := x.a.set(fk, val); err != nil {
		return err
	}
	for _, r := range refs {
		if err := x.a.set(key(prefixRefs, r, referencer, index), nil); err != nil {
			return err
		}
	}
	return nil
}

func (x indexing) Referencing(docKey string) ([]string, error) {
	p := scope(prefixRefs, docKey)
	var out []string
	err := x.a.scan(p, prefixEnd(p), func(k, _ []byte) (bool, error) {
		parts := suffix(k, p)
		if len(parts) != 2 {
			return true, nil
		}
		if n := len(out); n == 0 || out[n-1] != parts[0] {
			out = append(out, parts[0])
		}
		return true, nil
	})
	return out, err
}
