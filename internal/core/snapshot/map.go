package snapshot

import (
	"sync"
	"sync/atomic"
)

// frozen is one committed state of a Map. Never written after publication.
type frozen[K comparable, V any] struct {
	m     map[K]V
	dirty []K
}

// Map is a keyed container with a mutable live side and an immutable,
// atomically replaced snapshot side.
type Map[K comparable, V any] struct {
	mu    sync.Mutex
	live  map[K]V
	dirty map[K]struct{}

	snap atomic.Pointer[frozen[K, V]]
}

func NewMap[K comparable, V any]() *Map[K, V] {
	m := &Map[K, V]{
		live:  make(map[K]V),
		dirty: make(map[K]struct{}),
	}
	m.snap.Store(&frozen[K, V]{m: map[K]V{}})
	return m
}

// Put sets key on the live side.
func (m *Map[K, V]) Put(key K, val V) {
	m.mu.Lock()
	m.live[key] = val
	m.dirty[key] = struct{}{}
	m.mu.Unlock()
}

// Remove deletes key from the live side and reports whether it was present.
func (m *Map[K, V]) Remove(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[key]; !ok {
		return false
	}
	delete(m.live, key)
	m.dirty[key] = struct{}{}
	return true
}

// LiveGet reads key from the live side.
func (m *Map[K, V]) LiveGet(key K) (V, bool) {
	m.mu.Lock()
	v, ok := m.live[key]
	m.mu.Unlock()
	return v, ok
}

func (m *Map[K, V]) LiveLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// LiveRange calls fn for each live entry until fn returns false.
// fn must not call back into m.
func (m *Map[K, V]) LiveRange(fn func(K, V) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.live {
		if !fn(k, v) {
			return
		}
	}
}

// LiveValues returns a copy of the live values.
func (m *Map[K, V]) LiveValues() []V {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]V, 0, len(m.live))
	for _, v := range m.live {
		out = append(out, v)
	}
	return out
}

// CopySnapshot publishes a copy of the live map as the snapshot.
func (m *Map[K, V]) CopySnapshot() {
	m.mu.Lock()
	next := &frozen[K, V]{m: make(map[K]V, len(m.live))}
	for k, v := range m.live {
		next.m[k] = v
	}
	if len(m.dirty) > 0 {
		next.dirty = make([]K, 0, len(m.dirty))
		for k := range m.dirty {
			next.dirty = append(next.dirty, k)
		}
		m.dirty = make(map[K]struct{})
	}
	m.mu.Unlock()
	m.snap.Store(next)
}

// Get reads key from the snapshot.
func (m *Map[K, V]) Get(key K) (V, bool) {
	v, ok := m.snap.Load().m[key]
	return v, ok
}

func (m *Map[K, V]) Len() int { return len(m.snap.Load().m) }

// Range calls fn for each snapshot entry until fn returns false.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for k, v := range m.snap.Load().m {
		if !fn(k, v) {
			return
		}
	}
}

// Values returns the snapshot values.
func (m *Map[K, V]) Values() []V {
	s := m.snap.Load()
	out := make([]V, 0, len(s.m))
	for _, v := range s.m {
		out = append(out, v)
	}
	return out
}

// Keys returns the snapshot keys.
func (m *Map[K, V]) Keys() []K {
	s := m.snap.Load()
	out := make([]K, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	return out
}

// DirtyKeys returns the keys put or removed during the tick that produced the
// current snapshot. The returned slice is shared; do not modify it.
func (m *Map[K, V]) DirtyKeys() []K {
	return m.snap.Load().dirty
}
