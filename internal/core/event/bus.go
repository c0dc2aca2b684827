package event

import (
	"reflect"
	"sync"
)

// Bus is a double-buffered event bus. Events emitted during tick N are
// delivered when the owner swaps buffers in tick N+1, so handlers never see
// an event in the tick that produced it. Emit is safe from parallel stage
// work; Swap and Dispatch belong to the bus owner.
type Bus struct {
	mu       sync.Mutex
	front    map[reflect.Type][]any
	back     map[reflect.Type][]any
	handlers map[reflect.Type][]any
	pending  int
}

func NewBus() *Bus {
	return &Bus{
		front:    make(map[reflect.Type][]any),
		back:     make(map[reflect.Type][]any),
		handlers: make(map[reflect.Type][]any),
	}
}

func typeOf[T any]() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }

// Emit queues an event for the next dispatch.
func Emit[T any](b *Bus, ev T) {
	t := typeOf[T]()
	b.mu.Lock()
	b.back[t] = append(b.back[t], ev)
	b.pending++
	b.mu.Unlock()
}

// Subscribe registers a typed handler for events of type T.
func Subscribe[T any](b *Bus, fn func(T)) {
	t := typeOf[T]()
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], fn)
	b.mu.Unlock()
}

// Pending is the number of events waiting for the next swap.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Swap rotates back to front and clears the new back buffer.
func (b *Bus) Swap() {
	b.mu.Lock()
	b.front, b.back = b.back, b.front
	for k := range b.back {
		b.back[k] = b.back[k][:0]
	}
	b.pending = 0
	b.mu.Unlock()
}

// Dispatch delivers the front buffer to subscribers and returns how many
// events were delivered. Handlers may Emit; those events wait for the next swap.
func (b *Bus) Dispatch() int {
	b.mu.Lock()
	type job struct {
		handlers []any
		events   []any
	}
	jobs := make([]job, 0, len(b.front))
	n := 0
	for t, events := range b.front {
		if len(events) == 0 {
			continue
		}
		n += len(events)
		jobs = append(jobs, job{handlers: append([]any(nil), b.handlers[t]...), events: events})
	}
	b.mu.Unlock()

	for _, j := range jobs {
		for _, ev := range j.events {
			for _, h := range j.handlers {
				reflect.ValueOf(h).Call([]reflect.Value{reflect.ValueOf(ev)})
			}
		}
	}
	return n
}
