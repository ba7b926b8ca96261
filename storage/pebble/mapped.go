package pebble

import (
	"github.com/hupe1980/docindex/etag"
	"github.com/hupe1980/docindex/storage"
)

type mappedResults struct{ a *accessor }

func (m mappedResults) schedule(index, reduceKey string) error {
	e := m.a.s.nextEtag()
	if err := m.a.set(etagKey(prefixSchedule, []string{index}, e), []byte(reduceKey)); err != nil {
		return err
	}
	return m.a.set(metaLastScheduledKey, e.Bytes())
}

func (m mappedResults) Put(index, reduceKey, docKey string, data []byte) error {
	if err := validKey(reduceKey); err != nil {
		return err
	}
	if err := m.a.set(key(prefixMapped, index, reduceKey, docKey), data); err != nil {
		return err
	}
	if err := m.a.set(key(prefixMappedDoc, index, docKey, reduceKey), nil); err != nil {
		return err
	}
	return m.schedule(index, reduceKey)
}

func (m mappedResults) DeleteFor(index, docKey string) error {
	p := scope(prefixMappedDoc, index, docKey)
	var reduceKeys []string
	if err := m.a.scan(p, prefixEnd(p), func(k, _ []byte) (bool, error) {
		reduceKeys = append(reduceKeys, string(k[len(p):]))
		return true, nil
	}); err != nil {
		return err
	}

	for _, rk := range reduceKeys {
		if err := m.a.del(key(prefixMapped, index, rk, docKey)); err != nil {
			return err
		}
		if err := m.a.del(key(prefixMappedDoc, index, docKey, rk)); err != nil {
			return err
		}
		if err := m.schedule(index, rk); err != nil {
			return err
		}
	}
	return nil
}

func (m mappedResults) Get(index, reduceKey string) ([][]byte, error) {
	p := scope(prefixMapped, index, reduceKey)
	var out [][]byte
	err := m.a.scan(p, prefixEnd(p), func(_, val []byte) (bool, error) {
		out = append(out, append([]byte(nil), val...))
		return true, nil
	})
	return out, err
}

func (m mappedResults) ScheduledAfter(index string, after etag.Etag, take int) ([]storage.ScheduledReduction, error) {
	if take <= 0 {
		return nil, nil
	}
	p := scope(prefixSchedule, index)
	lower := etagKey(prefixSchedule, []string{index}, after.Increment(1))

	var out []storage.ScheduledReduction
	err := m.a.scan(lower, prefixEnd(p), func(k, val []byte) (bool, error) {
		e, err := etag.FromBytes(k[len(p):])
		if err != nil {
			return false, err
		}
		out = append(out, storage.ScheduledReduction{Etag: e, ReduceKey: string(val)})
		return len(out) < take, nil
	})
	return out, err
}

func (m mappedResults) HasScheduledAfter(index string, after etag.Etag) (bool, error) {
	s, err := m.ScheduledAfter(index, after, 1)
	return len(s) > 0, err
}

func (m mappedResults) RemoveScheduled(index string, upTo etag.Etag) error {
	p := scope(prefixSchedule, index)
	upper := etagKey(prefixSchedule, []string{index}, upTo.Increment(1))

	var keys [][]byte
	if err := m.a.scan(p, upper, func(k, _ []byte) (bool, error) {
		keys = append(keys, append([]byte(nil), k...))
		return true, nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := m.a.del(k); err != nil {
			return err
		}
	}
	return nil
}

func (m mappedResults) LastScheduledEtag() (etag.Etag, error) {
	return m.a.getEtag(metaLastScheduledKey)
}

func (m mappedResults) PutReduced(index, reduceKey string, data []byte) error {
	return m.a.set(key(prefixReduced, index, reduceKey), data)
}

func (m mappedResults) DeleteReduced(index, reduceKey string) error {
	return m.a.del(key(prefixReduced, index, reduceKey))
}

func (m mappedResults) Reduced(index, reduceKey string) ([]byte, error) {
	return m.a.get(key(prefixReduced, index, reduceKey))
}
