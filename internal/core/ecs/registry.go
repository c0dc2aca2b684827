package ecs

import "sync"

// Registry maps generational ids to values in a growable slot arena.
// It is an explicit object handed to whoever needs lookups; there is no
// process-wide instance. A single mutex guards registration and lookup.
type Registry[T any] struct {
	mu    sync.RWMutex
	pool  *Pool
	slots []*T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		pool:  NewPool(),
		slots: make([]*T, 1, 1024),
	}
}

// Add allocates an id for v. fn, when non-nil, runs with the new id before v
// becomes visible to Get, so v can record its own id.
func (r *Registry[T]) Add(v *T, fn func(EntityID)) EntityID {
	id := r.pool.Create()
	if fn != nil {
		fn(id)
	}
	r.mu.Lock()
	idx := int(id.Index())
	for idx >= len(r.slots) {
		r.slots = append(r.slots, nil)
	}
	r.slots[idx] = v
	r.mu.Unlock()
	return id
}

func (r *Registry[T]) Get(id EntityID) (*T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.pool.Alive(id) {
		return nil, false
	}
	v := r.slots[id.Index()]
	return v, v != nil
}

// Remove frees id; stale ids are ignored.
func (r *Registry[T]) Remove(id EntityID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pool.Destroy(id) {
		return false
	}
	r.slots[id.Index()] = nil
	return true
}

func (r *Registry[T]) Len() int { return r.pool.Len() }

// Each calls fn for every registered value. fn must not call back into r.
func (r *Registry[T]) Each(fn func(EntityID, *T)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for idx, v := range r.slots {
		if v == nil {
			continue
		}
		fn(NewEntityID(uint32(idx), r.pool.generation(uint32(idx))), v)
	}
}
