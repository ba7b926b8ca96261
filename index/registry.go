package index

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/docindex/storage"
)

// Instance is the live form of a defined index.
type Instance struct {
	Index

	indexing atomic.Bool
}

// NewInstance wraps idx.
func NewInstance(idx Index) *Instance {
	return &Instance{Index: idx}
}

// TryBeginIndexing marks the instance as being indexed. It returns false when
// another pass already holds it.
func (i *Instance) TryBeginIndexing() bool {
	return i.indexing.CompareAndSwap(false, true)
}

// EndIndexing releases the mark taken by TryBeginIndexing.
func (i *Instance) EndIndexing() {
	i.indexing.Store(false)
}

// IndexingInProgress reports whether a pass currently holds the instance.
func (i *Instance) IndexingInProgress() bool {
	return i.indexing.Load()
}

// Registry holds the live index instances.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

// Add registers idx and returns its instance.
func (r *Registry) Add(idx Index) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := idx.Name()
	if _, ok := r.instances[name]; ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrIndexExists, name)
	}
	inst := NewInstance(idx)
	r.instances[name] = inst
	return inst, nil
}

// Remove unregisters an index and returns its instance, if any.
func (r *Registry) Remove(name string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.instances[name]
	delete(r.instances, name)
	return inst
}

// Get returns the instance of name, or nil.
func (r *Registry) Get(name string) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[name]
}

// All returns every instance ordered by name.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Flush flushes every instance implementing Flusher.
func (r *Registry) Flush() error {
	var errs []error
	for _, inst := range r.All() {
		if f, ok := inst.Index.(Flusher); ok {
			if err := f.Flush(); err != nil {
				errs = append(errs, fmt.Errorf("flush %s: %w", inst.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Definitions guards structural changes to index definitions against running
// passes.
type Definitions struct {
	mu sync.RWMutex
}

// NewDefinitions creates the definition guard.
func NewDefinitions() *Definitions { return &Definitions{} }

// CurrentlyIndexing enters the shared scope held for the duration of a pass.
// The returned release func is idempotent.
func (d *Definitions) CurrentlyIndexing() (release func()) {
	d.mu.RLock()
	var once sync.Once
	return func() { once.Do(d.mu.RUnlock) }
}

// Modify runs fn in the exclusive scope, after every running pass left its
// CurrentlyIndexing scope.
func (d *Definitions) Modify(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn()
}
