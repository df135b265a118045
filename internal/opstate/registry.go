package opstate

import (
	"maps"
	"sync"
)

// Registry is a write-through cached namespace: reads come from memory,
// writes go to the store first. The MQTT bridge keeps the discovery
// topic of every entity it announced in one, keyed by unique id, so
// entities can be withdrawn after a restart.
type Registry struct {
	store     *Store
	namespace string

	mu    sync.Mutex
	items map[string]string
}

// LoadRegistry reads a namespace into a registry.
func LoadRegistry(store *Store, namespace string) (*Registry, error) {
	items, err := store.List(namespace)
	if err != nil {
		return nil, err
	}
	return &Registry{store: store, namespace: namespace, items: items}, nil
}

// Put records key. Unchanged values are not rewritten.
func (r *Registry) Put(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.items[key]; ok && v == value {
		return nil
	}
	if err := r.store.Set(r.namespace, key, value); err != nil {
		return err
	}
	r.items[key] = value
	return nil
}

// Remove forgets key.
func (r *Registry) Remove(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[key]; !ok {
		return nil
	}
	if err := r.store.Delete(r.namespace, key); err != nil {
		return err
	}
	delete(r.items, key)
	return nil
}

// Get returns the value for key.
func (r *Registry) Get(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[key]
	return v, ok
}

// Snapshot copies the registry.
func (r *Registry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.items)
}

// Len is the number of keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
