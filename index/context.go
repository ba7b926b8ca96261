package index

import (
	"context"
	"errors"
	"slices"

	"github.com/hupe1980/docindex/storage"
)

// ReferenceRecorder receives every document load made by a map function.
type ReferenceRecorder interface {
	AddReference(referenced, referencer string)
}

// MapContext is handed to Map for one document.
type MapContext struct {
	ctx      context.Context
	docs     storage.Documents
	recorder ReferenceRecorder
	key      string
	loaded   []string
}

// NewMapContext creates the context for mapping the document key.
// recorder may be nil.
func NewMapContext(ctx context.Context, docs storage.Documents, recorder ReferenceRecorder, key string) *MapContext {
	return &MapContext{ctx: ctx, docs: docs, recorder: recorder, key: key}
}

// Context returns the pass context.
func (c *MapContext) Context() context.Context { return c.ctx }

// Key returns the key of the document being mapped.
func (c *MapContext) Key() string { return c.key }

// LoadDocument reads another document. A missing document yields nil without
// error; the reference is recorded either way so creating it later reindexes
// the caller.
func (c *MapContext) LoadDocument(key string) (*storage.Document, error) {
	if key != c.key {
		if !slices.Contains(c.loaded, key) {
			c.loaded = append(c.loaded, key)
		}
		if c.recorder != nil {
			c.recorder.AddReference(key, c.key)
		}
	}

	doc, err := c.docs.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return doc, err
}

// Loaded returns the keys loaded so far, in first-load order.
func (c *MapContext) Loaded() []string { return c.loaded }
