package snapshot

import "sync/atomic"

// Copier is anything holding a live and a snapshot view.
type Copier interface {
	CopySnapshot()
}

// Value holds a value-type piece of state as a live and a snapshot pointer.
// Published values are never mutated in place, so swapping a pointer is
// enough to publish a consistent value to readers on any goroutine.
type Value[T any] struct {
	live atomic.Pointer[T]
	snap atomic.Pointer[T]
}

// NewValue returns a Value whose live and snapshot both hold initial.
func NewValue[T any](initial T) *Value[T] {
	v := &Value[T]{}
	p := &initial
	v.live.Store(p)
	v.snap.Store(p)
	return v
}

// Get returns the last committed value.
func (v *Value[T]) Get() T { return *v.snap.Load() }

// Live returns the value being mutated this tick.
func (v *Value[T]) Live() T { return *v.live.Load() }

// Set replaces the live value.
func (v *Value[T]) Set(x T) { v.live.Store(&x) }

// Update applies fn to the live value with a compare-and-swap retry loop and
// returns the value that was stored. fn may run more than once.
func (v *Value[T]) Update(fn func(T) T) T {
	for {
		old := v.live.Load()
		next := fn(*old)
		if v.live.CompareAndSwap(old, &next) {
			return next
		}
	}
}

// CopySnapshot publishes the live value as the snapshot.
func (v *Value[T]) CopySnapshot() {
	v.snap.Store(v.live.Load())
}

// Dirty reports whether live has changed since the last CopySnapshot.
func (v *Value[T]) Dirty() bool {
	return v.live.Load() != v.snap.Load()
}
