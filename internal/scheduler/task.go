package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrTaskDead        = errors.New("scheduler: task is dead")
	ErrAlreadyQueued   = errors.New("scheduler: task already queued")
	ErrTaskIDExhausted = errors.New("scheduler: task id space exhausted")
	ErrClosed          = errors.New("scheduler: manager shut down")
	ErrInvariant       = errors.New("scheduler: task state invariant violated")
)

// State is a task's queue state. DEAD is terminal.
type State int32

const (
	Unqueued State = iota
	Queued
	Dead
)

func (s State) String() string {
	switch s {
	case Unqueued:
		return "UNQUEUED"
	case Queued:
		return "QUEUED"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Work is the body of a task. ctx is cancelled when the task is cancelled;
// long-running work must poll it to cooperate. For sync tasks ctx also
// carries the stage.Context of the heartbeat that runs it.
type Work func(ctx context.Context) error

// Task is one scheduled unit of work. Sync tasks run on the driver goroutine
// during TICKSTART; async tasks run on the worker pool or their own goroutine.
type Task struct {
	id        int64
	owner     string
	work      Work
	sync      bool
	longLived bool
	delay     int64
	period    int64
	priority  Priority

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	nextCall  atomic.Int64
	executing atomic.Bool
	runs      atomic.Int64

	// heartbeat goroutine only; -1 while not deferring
	deferBegin int64
}

func (t *Task) ID() int64          { return t.id }
func (t *Task) Owner() string      { return t.owner }
func (t *Task) IsSync() bool       { return t.sync }
func (t *Task) LongLived() bool    { return t.longLived }
func (t *Task) Delay() int64       { return t.delay }
func (t *Task) Period() int64      { return t.period }
func (t *Task) Priority() Priority { return t.priority }
func (t *Task) State() State       { return State(t.state.Load()) }
func (t *Task) Alive() bool        { return t.State() != Dead }
func (t *Task) Executing() bool    { return t.executing.Load() }

// NextCallTime is the absolute uptime tick the task is due at.
func (t *Task) NextCallTime() int64 { return t.nextCall.Load() }

// Runs counts completed executions.
func (t *Task) Runs() int64 { return t.runs.Load() }

// Repeating reports whether the task runs more than once.
func (t *Task) Repeating() bool { return t.period > 0 }

func (t *Task) String() string {
	kind := "sync"
	if !t.sync {
		kind = "async"
	}
	return fmt.Sprintf("task %d (%s, owner=%s, %s)", t.id, kind, t.owner, t.State())
}

func (t *Task) setQueued() error {
	if t.state.CompareAndSwap(int32(Unqueued), int32(Queued)) {
		return nil
	}
	if t.State() == Dead {
		return ErrTaskDead
	}
	return ErrAlreadyQueued
}

func (t *Task) setUnqueued() {
	if t.state.CompareAndSwap(int32(Queued), int32(Unqueued)) {
		return
	}
	if t.State() == Dead {
		return
	}
	panic(fmt.Errorf("%w: task %d unqueued while not queued", ErrInvariant, t.id))
}

// kill moves the task to DEAD and cancels its context. It reports whether
// this call did the transition.
func (t *Task) kill() bool {
	prev := State(t.state.Swap(int32(Dead)))
	t.cancel()
	return prev != Dead
}

// shouldDefer decides whether an overloaded heartbeat at now may postpone t.
func (t *Task) shouldDefer(now int64) bool {
	if !t.priority.Deferrable() {
		return false
	}
	if t.deferBegin < 0 {
		t.deferBegin = now
	}
	return now-t.deferBegin < t.priority.MaxDeferred
}
