package scheduler

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many short async tasks run at once.
type Pool struct {
	size int64
	sem  *semaphore.Weighted
}

func NewPool(size int64) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size, sem: semaphore.NewWeighted(size)}
}

func (p *Pool) Size() int64 { return p.size }

// Go runs fn(true) on a new goroutine once a slot is free, or fn(false) if
// ctx ends while waiting. fn is called exactly once.
func (p *Pool) Go(ctx context.Context, fn func(acquired bool)) {
	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			fn(false)
			return
		}
		defer p.sem.Release(1)
		fn(true)
	}()
}
