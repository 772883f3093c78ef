// Package aggregator provides named, globally merged reducers. Each
// registered aggregator owns two cells: the current cell accumulates the
// local deltas of the ongoing superstep, while the previous cell holds the
// globally merged value of the preceding superstep and is the only one
// visible to user code.
package aggregator

import (
	"sort"
	"sync"

	"golang.org/x/xerrors"
)

// ErrUnknownAggregator is returned when referencing an aggregator name that
// was never registered.
var ErrUnknownAggregator = xerrors.New("aggregator is not registered")

// Aggregator is implemented by types that provide concurrent-safe reduction
// primitives (e.g. counters, min/max). The reduction must be associative
// and commutative with the freshly constructed instance as its identity.
type Aggregator interface {
	// Type returns the type of this aggregator.
	Type() string

	// Set the aggregator to the specified value.
	Set(val interface{})

	// Get the current aggregator value.
	Get() interface{}

	// Aggregate updates the aggregator's value based on the provided
	// value.
	Aggregate(val interface{})
}

// Factory creates a fresh Aggregator instance holding the reducer identity.
type Factory func() Aggregator

type entry struct {
	factory    Factory
	persistent bool
	current    Aggregator

	mu       sync.Mutex
	previous interface{}
	merged   bool
}

// Registry tracks the aggregators registered by an algorithm on a single
// worker.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty aggregator registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds an aggregator under the given name. Persistent aggregators
// keep accumulating across supersteps; non-persistent ones reset to the
// reducer identity when a new superstep begins. Register is idempotent:
// re-registering an existing name is a no-op.
func (r *Registry) Register(name string, factory Factory, persistent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return
	}
	r.entries[name] = &entry{
		factory:    factory,
		persistent: persistent,
		current:    factory(),
	}
}

func (r *Registry) entryFor(name string) (*entry, error) {
	r.mu.RLock()
	e, exists := r.entries[name]
	r.mu.RUnlock()
	if !exists {
		return nil, xerrors.Errorf("%q: %w", name, ErrUnknownAggregator)
	}
	return e, nil
}

// Aggregate merges a delta into the named aggregator's current cell.
func (r *Registry) Aggregate(name string, delta interface{}) error {
	e, err := r.entryFor(name)
	if err != nil {
		return err
	}
	e.current.Aggregate(delta)
	return nil
}

// Value returns the previous (globally merged) cell of the named
// aggregator. Before the first merge it returns the reducer identity.
func (r *Registry) Value(name string) (interface{}, error) {
	e, err := r.entryFor(name)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.merged {
		return e.factory().Get(), nil
	}
	return e.previous, nil
}

// SetValue overwrites the previous cell of the named aggregator. It backs
// the master program's setAggregatedValue and is observed by user code in
// the next superstep.
func (r *Registry) SetValue(name string, val interface{}) error {
	e, err := r.entryFor(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.previous = val
	e.merged = true
	e.mu.Unlock()
	return nil
}

// Names returns the sorted names of all registered aggregators.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Contributions snapshots the current cells of all aggregators. The result
// is this worker's contribution to the global merge for the ongoing
// superstep.
func (r *Registry) Contributions() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	values := make(map[string]interface{}, len(r.entries))
	for name, e := range r.entries {
		values[name] = e.current.Get()
	}
	return values
}

// Merge reduces the per-worker contributions for one superstep into a
// single value per aggregator, starting from the reducer identity.
func (r *Registry) Merge(contributions []map[string]interface{}) (map[string]interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	merged := make(map[string]interface{}, len(r.entries))
	for name, e := range r.entries {
		acc := e.factory()
		for _, contribution := range contributions {
			val, exists := contribution[name]
			if !exists {
				return nil, xerrors.Errorf("contribution is missing a value for %q: %w", name, ErrUnknownAggregator)
			}
			acc.Aggregate(val)
		}
		merged[name] = acc.Get()
	}
	return merged, nil
}

// CommitPrevious installs the globally merged values as the previous cells
// readable during the next superstep.
func (r *Registry) CommitPrevious(merged map[string]interface{}) error {
	for name, val := range merged {
		if err := r.SetValue(name, val); err != nil {
			return err
		}
	}
	return nil
}

// ResetForSuperstep resets the current cells of all non-persistent
// aggregators to the reducer identity. It is invoked once when a new
// superstep begins.
func (r *Registry) ResetForSuperstep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if !e.persistent {
			e.current = e.factory()
		}
	}
}

// Values returns the previous cells of all aggregators, keyed by name.
func (r *Registry) Values() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	values := make(map[string]interface{}, len(r.entries))
	for name, e := range r.entries {
		e.mu.Lock()
		if e.merged {
			values[name] = e.previous
		} else {
			values[name] = e.factory().Get()
		}
		e.mu.Unlock()
	}
	return values
}
