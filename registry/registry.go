package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry errors.
var (
	// ErrNotFound is returned by Get when no value exists for a key.
	// TryGet never returns it; use TryGet for lookups that may miss.
	ErrNotFound = errors.New("registry: key not found")

	// ErrDuplicateKey is returned by Register when the key is already
	// present. Use Swap for stores where replacement is expected.
	ErrDuplicateKey = errors.New("registry: duplicate key")
)

// Kind is a small caller-chosen tag identifying what a key refers to
// (a pipeline, a layout, a shader, ...). Packages owning a registry declare
// their kinds as constants; kinds from unrelated packages never meet in the
// same registry.
type Kind uint32

// Key identifies one resource within a registry: a kind plus an optional
// name. Equality is structural, so Key is usable as a map key.
type Key struct {
	Kind Kind
	Name string
}

// K is shorthand for constructing a Key.
func K(kind Kind, name string) Key {
	return Key{Kind: kind, Name: name}
}

// String renders the key for error messages, e.g. "kind 3 (\"blur\")".
func (k Key) String() string {
	if k.Name == "" {
		return fmt.Sprintf("kind %d", uint32(k.Kind))
	}
	return fmt.Sprintf("kind %d (%q)", uint32(k.Kind), k.Name)
}

// Registry is a thread-safe keyed store with explicit registration
// policies. The zero value is not usable; use NewRegistry.
//
// All methods are safe for concurrent use. GetOrAdd holds the registry lock
// across the factory call so that exactly one factory result is stored and
// returned for concurrent first access of the same key; keep factories
// short and never call back into the same registry from one.
type Registry[V any] struct {
	mu      sync.RWMutex
	entries map[Key]V
}

// NewRegistry creates an empty registry.
func NewRegistry[V any]() *Registry[V] {
	return &Registry[V]{entries: make(map[Key]V)}
}

// Register stores value under key, failing with ErrDuplicateKey if the key
// is already present. This is the policy for named shared resources, where
// a silent overwrite would hide a caller bug.
func (r *Registry[V]) Register(key Key, value V) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("registry: %s already registered: %w", key, ErrDuplicateKey)
	}
	r.entries[key] = value
	return nil
}

// Swap stores value under key unconditionally and returns whatever was
// there before. This is the policy for pipelines and resource layouts,
// which are rebuilt when device resources are invalidated; the caller
// receives the previous value so it can release it.
func (r *Registry[V]) Swap(key Key, value V) (previous V, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous, replaced = r.entries[key]
	r.entries[key] = value
	return previous, replaced
}

// GetOrAdd returns the value for key, invoking factory to create it if the
// key is absent. The operation is atomic with respect to concurrent callers
// using the same key: one factory result wins and is returned to everyone.
// A factory error is returned to the caller and nothing is stored.
func (r *Registry[V]) GetOrAdd(key Key, factory func() (V, error)) (V, error) {
	r.mu.RLock()
	v, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check: another caller may have won the race.
	if v, ok := r.entries[key]; ok {
		return v, nil
	}
	v, err := factory()
	if err != nil {
		var zero V
		return zero, err
	}
	r.entries[key] = v
	return v, nil
}

// Get returns the value for key, or a descriptive error wrapping
// ErrNotFound identifying the kind and name queried.
func (r *Registry[V]) Get(key Key) (V, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	if !ok {
		var zero V
		return zero, fmt.Errorf("registry: no value for %s: %w", key, ErrNotFound)
	}
	return v, nil
}

// TryGet returns the value for key and whether it was found. It never
// fails; absent keys report found=false.
func (r *Registry[V]) TryGet(key Key) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// Delete removes key and reports whether it was present.
func (r *Registry[V]) Delete(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; !ok {
		return false
	}
	delete(r.entries, key)
	return true
}

// Len returns the number of stored values.
func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Keys returns all keys sorted by kind, then name.
func (r *Registry[V]) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// Range calls fn for every entry until fn returns false. The registry lock
// is held for the duration; fn must not call back into the registry.
func (r *Registry[V]) Range(fn func(Key, V) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, v := range r.entries {
		if !fn(k, v) {
			return
		}
	}
}

// Clear removes all entries. If release is non-nil it is called once per
// removed value, outside the registry lock, so backend resources can be
// freed without risking re-entrancy.
func (r *Registry[V]) Clear(release func(V)) {
	r.mu.Lock()
	old := r.entries
	r.entries = make(map[Key]V)
	r.mu.Unlock()

	if release == nil {
		return
	}
	for _, v := range old {
		release(v)
	}
}
