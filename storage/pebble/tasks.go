package pebble

import (
	"fmt"
	"time"

	"github.com/hupe1980/docindex/etag"
	"github.com/hupe1980/docindex/storage"
)

type tasks struct{ a *accessor }

type taskValue struct {
	Kind    string    `json:"kind"`
	Index   string    `json:"index"`
	Payload []byte    `json:"payload,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

func (t tasks) Add(rec storage.TaskRecord) (etag.Etag, error) {
	if rec.Kind == "" {
		return etag.Empty, fmt.Errorf("task without kind: %w", storage.ErrInvalidKey)
	}
	if rec.AddedAt.IsZero() {
		rec.AddedAt = t.a.now
	}
	val, err := t.a.s.codec.Marshal(taskValue{
		Kind:    rec.Kind,
		Index:   rec.Index,
		Payload: rec.Payload,
		AddedAt: rec.AddedAt,
	})
	if err != nil {
		return etag.Empty, fmt.Errorf("encode task: %w", err)
	}
	id := t.a.s.nextEtag()
	if err := t.a.set(etagKey(prefixTask, nil, id), val); err != nil {
		return etag.Empty, err
	}
	return id, nil
}

func (t tasks) Next(match func(storage.TaskRecord) bool, maxMerge int) ([]storage.TaskRecord, error) {
	if maxMerge < 1 {
		maxMerge = 1
	}

	var (
		out     []storage.TaskRecord
		corrupt [][]byte
	)
	err := t.a.scan(prefixTask, prefixEnd(prefixTask), func(k, val []byte) (bool, error) {
		id, err := etag.FromBytes(k[len(prefixTask):])
		var v taskValue
		if err == nil {
			err = t.a.s.codec.Unmarshal(val, &v)
		}
		if err != nil {
			corrupt = append(corrupt, append([]byte(nil), k...))
			if l := t.a.s.opts.Logger; l != nil {
				l.Warn("Dropped undecodable task record", "key", fmt.Sprintf("%x", k), "error", err)
			}
			return true, nil
		}
		rec := storage.TaskRecord{ID: id, Kind: v.Kind, Index: v.Index, Payload: v.Payload, AddedAt: v.AddedAt}

		if len(out) == 0 {
			if match != nil && !match(rec) {
				return true, nil
			}
		} else if rec.Kind != out[0].Kind || rec.Index != out[0].Index {
			return true, nil
		}
		out = append(out, rec)
		return len(out) < maxMerge, nil
	})
	if err != nil {
		return nil, err
	}

	for _, k := range corrupt {
		if err := t.a.del(k); err != nil {
			return nil, err
		}
	}
	for _, rec := range out {
		if err := t.a.del(etagKey(prefixTask, nil, rec.ID)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t tasks) Count() (int, error) {
	n := 0
	err := t.a.scan(prefixTask, prefixEnd(prefixTask), func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}
