package pebble

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/hupe1980/docindex/etag"
	"github.com/hupe1980/docindex/storage"
)

type documents struct{ a *accessor }

// Document value: [Etag 16][LastModified int64 unix nanos][Body...]
const docHeaderSize = etag.Size + 8

func (d documents) encode(e etag.Etag, modified time.Time, body []byte) []byte {
	out := make([]byte, docHeaderSize, docHeaderSize+len(body))
	copy(out, e[:])
	binary.BigEndian.PutUint64(out[etag.Size:], uint64(modified.UnixNano()))
	return append(out, body...)
}

// header reads the etag and timestamp without decompressing the body.
func (d documents) header(val []byte) (etag.Etag, time.Time, error) {
	if len(val) < docHeaderSize {
		return etag.Empty, time.Time{}, errCorruptBody
	}
	e, err := etag.FromBytes(val[:etag.Size])
	if err != nil {
		return etag.Empty, time.Time{}, err
	}
	ns := int64(binary.BigEndian.Uint64(val[etag.Size:]))
	return e, time.Unix(0, ns).UTC(), nil
}

func (d documents) decode(key string, val []byte) (*storage.Document, error) {
	e, modified, err := d.header(val)
	if err != nil {
		return nil, err
	}
	body, err := decompressBody(val[docHeaderSize:])
	if err != nil {
		return nil, err
	}
	return &storage.Document{Key: key, Etag: e, Data: body, LastModified: modified}, nil
}

// assign moves a document to a fresh etag and records it as the last etag.
func (d documents) assign(key string, old etag.Etag) (etag.Etag, error) {
	if !old.IsEmpty() {
		if err := d.a.del(etagKey(prefixEtag, nil, old)); err != nil {
			return etag.Empty, err
		}
	}
	e := d.a.s.nextEtag()
	if err := d.a.set(etagKey(prefixEtag, nil, e), []byte(key)); err != nil {
		return etag.Empty, err
	}
	if err := d.a.set(metaLastDocKey, e.Bytes()); err != nil {
		return etag.Empty, err
	}
	return e, nil
}

func (d documents) Put(docKey string, data []byte) (etag.Etag, error) {
	if err := validKey(docKey); err != nil {
		return etag.Empty, err
	}
	k := keyOf(docKey)

	old := etag.Empty
	if val, err := d.a.get(k); err == nil {
		if old, _, err = d.header(val); err != nil {
			return etag.Empty, err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return etag.Empty, err
	}

	e, err := d.assign(docKey, old)
	if err != nil {
		return etag.Empty, err
	}
	body := compressBody(data, d.a.s.opts.Compression)
	if err := d.a.set(k, d.encode(e, d.a.now, body)); err != nil {
		return etag.Empty, err
	}
	return e, nil
}

func (d documents) Get(key string) (*storage.Document, error) {
	val, err := d.a.get(keyOf(key))
	if err != nil {
		return nil, err
	}
	return d.decode(key, val)
}

func (d documents) Delete(key string) (etag.Etag, error) {
	k := keyOf(key)
	val, err := d.a.get(k)
	if err != nil {
		return etag.Empty, err
	}
	old, _, err := d.header(val)
	if err != nil {
		return etag.Empty, err
	}
	if err := d.a.del(k); err != nil {
		return etag.Empty, err
	}
	// The deletion etag is not bound to a key, it only advances LastEtag.
	if err := d.a.del(etagKey(prefixEtag, nil, old)); err != nil {
		return etag.Empty, err
	}
	e := d.a.s.nextEtag()
	if err := d.a.set(metaLastDocKey, e.Bytes()); err != nil {
		return etag.Empty, err
	}
	return e, nil
}

func (d documents) Touch(key string) (etag.Etag, etag.Etag, error) {
	k := keyOf(key)
	val, err := d.a.get(k)
	if err != nil {
		return etag.Empty, etag.Empty, err
	}
	pre, modified, err := d.header(val)
	if err != nil {
		return etag.Empty, etag.Empty, err
	}
	after, err := d.assign(key, pre)
	if err != nil {
		return etag.Empty, etag.Empty, err
	}
	if err := d.a.set(k, d.encode(after, modified, val[docHeaderSize:])); err != nil {
		return etag.Empty, etag.Empty, err
	}
	return pre, after, nil
}

func (d documents) After(start etag.Etag, take int, maxBytes int64) ([]*storage.Document, error) {
	if take <= 0 {
		return nil, nil
	}

	var (
		docs []*storage.Document
		size int64
	)
	lower := etagKey(prefixEtag, nil, start.Increment(1))
	err := d.a.scan(lower, prefixEnd(prefixEtag), func(_, val []byte) (bool, error) {
		docKey := string(val)
		doc, err := d.Get(docKey)
		if err != nil {
			return false, err
		}
		docs = append(docs, doc)
		size += int64(len(doc.Data))
		if len(docs) >= take || (maxBytes > 0 && size >= maxBytes) {
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (d documents) LastEtag() (etag.Etag, error) {
	return d.a.getEtag(metaLastDocKey)
}

func (d documents) Count() (int, error) {
	n := 0
	err := d.a.scan(prefixDoc, prefixEnd(prefixDoc), func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

func keyOf(docKey string) []byte {
	return key(prefixDoc, docKey)
}
