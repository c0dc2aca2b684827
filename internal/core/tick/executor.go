package tick

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by InvokeAll after Close.
var ErrClosed = errors.New("tick: executor closed")

// PanicError wraps a panic raised by stage work.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Unwrap exposes panics raised with an error value, such as stage access violations.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Executor bounds the stage work of every driver in the process. Batches from
// different drivers share the same slots.
type Executor struct {
	mu     sync.RWMutex
	slots  *semaphore.Weighted
	closed bool
}

// NewExecutor allows workers concurrent units; workers <= 0 means GOMAXPROCS.
func NewExecutor(workers int) *Executor {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Executor{slots: semaphore.NewWeighted(int64(workers))}
}

func call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// InvokeAll runs every fn concurrently and blocks until all have returned.
// The result holds each fn's error at the same index; a failing fn never
// stops its siblings.
func (e *Executor) InvokeAll(fns []func() error) ([]error, error) {
	out := make([]error, len(fns))
	if len(fns) == 0 {
		return out, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	var g errgroup.Group
	for i, fn := range fns {
		i, fn := i, fn
		g.Go(func() error {
			// Background never cancels, so Acquire only fails on a
			// request larger than the pool.
			if err := e.slots.Acquire(context.Background(), 1); err != nil {
				out[i] = err
				return nil
			}
			defer e.slots.Release(1)
			out[i] = call(fn)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// Close refuses further batches once the ones in flight have joined.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}
