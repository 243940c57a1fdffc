// Package memory holds the in-process view of a session's shared memory
// and the per-node-run output accumulator.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrKeyNotDeclared is returned when a node writes an output key it did
// not declare.
var ErrKeyNotDeclared = errors.New("output key not declared")

// Shared is the session-wide key-value memory. It is the in-process
// mirror of state.json's memory map; the executor persists mutations
// through the session store.
type Shared struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewShared creates a shared memory seeded with the given map. The map is
// not copied; pass a detached copy when seeding from persisted state.
func NewShared(seed map[string]any) *Shared {
	if seed == nil {
		seed = map[string]any{}
	}
	return &Shared{data: seed}
}

// Get returns the value for key and whether it is present.
func (m *Shared) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// Set stores one key.
func (m *Shared) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// Merge stores every entry of updates.
func (m *Shared) Merge(updates map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range updates {
		m.data[k] = v
	}
}

// Snapshot returns a shallow copy of the full map. Used to build edge
// condition environments and system prompt context.
func (m *Shared) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[string]any, len(m.data))
	for k, v := range m.data {
		cp[k] = v
	}
	return cp
}

// View returns the subset of memory named by keys. Missing keys are
// omitted. Used to build a node's input context and to bridge selected
// keys into a secondary graph's session.
func (m *Shared) View(keys []string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Keys returns all present keys, sorted.
func (m *Shared) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PersistFunc durably records one accumulated output. The executor
// persists into the node's loop cursor; shared memory only sees the
// outputs when the run finishes.
type PersistFunc func(key string, value any) error

// Accumulator collects a node run's declared outputs. Writes are
// validated against the node's declared output keys and persisted
// write-through, so a crash mid-run loses no recorded output.
type Accumulator struct {
	mu       sync.Mutex
	declared map[string]bool
	values   map[string]any
	persist  PersistFunc
}

// NewAccumulator creates an accumulator for the given declared output
// keys. persist may be nil in tests.
func NewAccumulator(declaredKeys []string, persist PersistFunc) *Accumulator {
	declared := make(map[string]bool, len(declaredKeys))
	for _, k := range declaredKeys {
		declared[k] = true
	}
	return &Accumulator{
		declared: declared,
		values:   map[string]any{},
		persist:  persist,
	}
}

// Set records one output. The key must be declared; the value is
// persisted before Set returns. Re-setting a key overwrites it.
func (a *Accumulator) Set(key string, value any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.declared[key] {
		return fmt.Errorf("%w: %q", ErrKeyNotDeclared, key)
	}
	if a.persist != nil {
		if err := a.persist(key, value); err != nil {
			return fmt.Errorf("persist output %q: %w", key, err)
		}
	}
	a.values[key] = value
	return nil
}

// Restore loads previously persisted outputs without re-persisting
// them. Undeclared keys are dropped; the declaration may have changed
// since the values were written.
func (a *Accumulator) Restore(values map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range values {
		if a.declared[k] {
			a.values[k] = v
		}
	}
}

// Get returns one accumulated value.
func (a *Accumulator) Get(key string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.values[key]
	return v, ok
}

// Values returns a copy of everything accumulated so far.
func (a *Accumulator) Values() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make(map[string]any, len(a.values))
	for k, v := range a.values {
		cp[k] = v
	}
	return cp
}

// Missing returns the declared keys from required that have not been set,
// sorted. The judge uses this to drive its completeness rule.
func (a *Accumulator) Missing(required []string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var missing []string
	for _, k := range required {
		if _, ok := a.values[k]; !ok {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}
