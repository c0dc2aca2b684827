package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/voxtick/server/internal/core/stage"
)

// Options configures a Manager.
type Options struct {
	// Resolution is the queue bucket width in ticks.
	Resolution int64
	// AsyncPoolSize bounds concurrently running short async tasks.
	AsyncPoolSize int64
}

// Manager owns the task queue of one world. Its Heartbeat is driven by the
// world's tick driver during TICKSTART; scheduling and cancellation are safe
// from any goroutine.
type Manager struct {
	log   *zap.Logger
	queue *Queue
	pool  *Pool

	upTime    atomic.Int64
	lastID    atomic.Int64
	exhausted atomic.Bool

	mu         sync.Mutex
	tasks      map[int64]*Task
	workers    map[int64]*worker
	overloaded func() bool
	closed     bool
	wg         sync.WaitGroup
}

func NewManager(opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.AsyncPoolSize < 1 {
		opts.AsyncPoolSize = 8
	}
	return &Manager{
		log:     log.Named("scheduler"),
		queue:   NewQueue(opts.Resolution),
		pool:    NewPool(opts.AsyncPoolSize),
		tasks:   make(map[int64]*Task),
		workers: make(map[int64]*worker),
	}
}

// SetOverloadPredicate installs the check consulted once per heartbeat to
// decide whether deferrable tasks may be postponed.
func (m *Manager) SetOverloadPredicate(fn func() bool) {
	m.mu.Lock()
	m.overloaded = fn
	m.mu.Unlock()
}

// UpTime is the number of ticks this manager has been heartbeated.
func (m *Manager) UpTime() int64 { return m.upTime.Load() }

// QueueLen is the number of tasks waiting in the queue.
func (m *Manager) QueueLen() int { return m.queue.Len() }

func (m *Manager) nextID() (int64, error) {
	if m.exhausted.Load() {
		return 0, ErrTaskIDExhausted
	}
	id := m.lastID.Add(1)
	if id <= 0 || id == math.MaxInt64 {
		if !m.exhausted.Swap(true) {
			m.log.Error("task id space exhausted, refusing further scheduling")
		}
		return 0, ErrTaskIDExhausted
	}
	return id, nil
}

func (m *Manager) newTask(owner string, work Work, isSync, longLived bool, delay, period int64, prio Priority) (*Task, error) {
	if work == nil {
		return nil, errors.New("scheduler: nil work")
	}
	if delay < 0 {
		delay = 0
	}
	if period < 0 {
		period = 0
	}
	id, err := m.nextID()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:         id,
		owner:      owner,
		work:       work,
		sync:       isSync,
		longLived:  longLived,
		delay:      delay,
		period:     period,
		priority:   prio,
		ctx:        ctx,
		cancel:     cancel,
		deferBegin: -1,
	}
	t.nextCall.Store(m.UpTime() + delay)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		cancel()
		return nil, ErrClosed
	}
	m.tasks[id] = t
	return t, nil
}

func (m *Manager) enqueue(t *Task) (*Task, error) {
	if err := m.queue.Add(t); err != nil {
		m.forget(t)
		return nil, err
	}
	return t, nil
}

// ScheduleSyncDelayed runs work once on the world goroutine after delay ticks.
func (m *Manager) ScheduleSyncDelayed(owner string, work Work, delay int64, prio Priority) (*Task, error) {
	t, err := m.newTask(owner, work, true, false, delay, 0, prio)
	if err != nil {
		return nil, err
	}
	return m.enqueue(t)
}

// ScheduleSyncRepeating runs work on the world goroutine after delay ticks and
// then every period ticks until cancelled. A period <= 0 runs it once.
func (m *Manager) ScheduleSyncRepeating(owner string, work Work, delay, period int64, prio Priority) (*Task, error) {
	t, err := m.newTask(owner, work, true, false, delay, period, prio)
	if err != nil {
		return nil, err
	}
	return m.enqueue(t)
}

// ScheduleAsync starts work off the world goroutine right away. Long-lived
// work gets a dedicated goroutine instead of a pool slot.
func (m *Manager) ScheduleAsync(owner string, work Work, longLived bool) (*Task, error) {
	t, err := m.newTask(owner, work, false, longLived, 0, 0, Critical)
	if err != nil {
		return nil, err
	}
	m.startWorker(t)
	return t, nil
}

// ScheduleAsyncDelayed starts work off the world goroutine after delay ticks.
func (m *Manager) ScheduleAsyncDelayed(owner string, work Work, delay int64, longLived bool) (*Task, error) {
	t, err := m.newTask(owner, work, false, longLived, delay, 0, Critical)
	if err != nil {
		return nil, err
	}
	return m.enqueue(t)
}

// ScheduleAsyncRepeating runs work off the world goroutine after delay ticks
// and then every period ticks, counted from the end of each run. A period
// <= 0 runs it once.
func (m *Manager) ScheduleAsyncRepeating(owner string, work Work, delay, period int64, longLived bool) (*Task, error) {
	t, err := m.newTask(owner, work, false, longLived, delay, period, Critical)
	if err != nil {
		return nil, err
	}
	return m.enqueue(t)
}

// Heartbeat advances uptime by deltaTicks and runs everything now due. Sync
// tasks run inline; async tasks are handed to workers.
func (m *Manager) Heartbeat(sc stage.Context, deltaTicks int64) {
	if deltaTicks < 0 {
		deltaTicks = 0
	}
	now := m.upTime.Add(deltaTicks)
	due := m.queue.Poll(now)
	if len(due) == 0 {
		return
	}

	m.mu.Lock()
	pred := m.overloaded
	m.mu.Unlock()
	overloaded := pred != nil && pred()

	for _, t := range due {
		if !t.Alive() {
			m.forget(t)
			continue
		}
		if overloaded && t.shouldDefer(now) {
			m.requeueAt(t, now+1)
			continue
		}
		t.deferBegin = -1
		if t.sync {
			m.pulse(sc, t, now)
		} else {
			m.startWorker(t)
		}
	}
}

func (m *Manager) pulse(sc stage.Context, t *Task, now int64) {
	if !t.executing.CompareAndSwap(false, true) {
		m.requeueAt(t, now+1)
		return
	}
	if !t.Alive() {
		t.executing.Store(false)
		m.forget(t)
		return
	}
	err := execute(stage.WithContext(t.ctx, sc), t)
	t.executing.Store(false)
	if err != nil {
		m.log.Warn("sync task failed",
			zap.Int64("task", t.id),
			zap.String("owner", t.owner),
			zap.Uint64("tick", sc.Tick),
			zap.Error(err))
	}
	m.reschedule(t, now)
}

// execute runs the task body, turning a panic into an error.
func execute(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %d panicked: %v\n%s", t.id, r, debug.Stack())
		}
		t.runs.Add(1)
	}()
	return t.work(ctx)
}

// reschedule queues a repeating task for its next run, or retires the task.
func (m *Manager) reschedule(t *Task, now int64) {
	if !t.Alive() {
		m.forget(t)
		return
	}
	if t.period <= 0 {
		t.kill()
		m.forget(t)
		return
	}
	m.requeueAt(t, now+t.period)
}

func (m *Manager) requeueAt(t *Task, at int64) {
	t.nextCall.Store(at)
	if err := m.queue.Add(t); err != nil {
		if !errors.Is(err, ErrTaskDead) {
			m.log.Error("requeue failed", zap.Int64("task", t.id), zap.Error(err))
		}
		m.forget(t)
	}
}

func (m *Manager) startWorker(t *Task) {
	m.mu.Lock()
	if m.closed || !t.Alive() {
		m.mu.Unlock()
		m.forget(t)
		return
	}
	if _, busy := m.workers[t.id]; busy {
		m.mu.Unlock()
		return
	}
	w := &worker{m: m, t: t}
	m.workers[t.id] = w
	m.wg.Add(1)
	m.mu.Unlock()
	w.start()
}

// workerDone removes w from the worker index, then reschedules its task.
func (m *Manager) workerDone(w *worker) {
	defer m.wg.Done()
	m.mu.Lock()
	delete(m.workers, w.t.id)
	m.mu.Unlock()
	m.reschedule(w.t, m.UpTime())
}

func (m *Manager) forget(t *Task) {
	m.mu.Lock()
	delete(m.tasks, t.id)
	m.mu.Unlock()
}

// Cancel kills the task with the given id. It reports whether the id named a
// live task.
func (m *Manager) Cancel(id int64) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.CancelTask(t)
}

// CancelTask kills t, dequeues it and interrupts its worker. Idempotent.
func (m *Manager) CancelTask(t *Task) bool {
	if t == nil || !t.kill() {
		return false
	}
	m.queue.Remove(t)
	m.mu.Lock()
	w := m.workers[t.id]
	if w == nil {
		delete(m.tasks, t.id)
	}
	m.mu.Unlock()
	if w != nil {
		w.interrupt()
	}
	return true
}

// CancelTasks kills every task of owner and returns how many were live.
func (m *Manager) CancelTasks(owner string) int {
	return m.cancelWhere(func(t *Task) bool { return t.owner == owner })
}

// CancelAll kills every task.
func (m *Manager) CancelAll() int {
	return m.cancelWhere(func(*Task) bool { return true })
}

func (m *Manager) cancelWhere(match func(*Task) bool) int {
	m.mu.Lock()
	var victims []*Task
	for _, t := range m.tasks {
		if match(t) {
			victims = append(victims, t)
		}
	}
	m.mu.Unlock()
	n := 0
	for _, t := range victims {
		if m.CancelTask(t) {
			n++
		}
	}
	return n
}

func (m *Manager) task(id int64) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

// IsQueued reports whether task id is waiting in the queue.
func (m *Manager) IsQueued(id int64) bool {
	t := m.task(id)
	return t != nil && t.State() == Queued
}

// IsCurrentlyRunning reports whether task id is executing right now.
func (m *Manager) IsCurrentlyRunning(id int64) bool {
	m.mu.Lock()
	t, w := m.tasks[id], m.workers[id]
	m.mu.Unlock()
	if t == nil {
		return false
	}
	if !t.sync {
		return w != nil && t.Executing()
	}
	return t.Executing()
}

// PendingTasks returns every live task not yet retired, ordered by id.
func (m *Manager) PendingTasks() []*Task {
	m.mu.Lock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.Alive() {
			out = append(out, t)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ActiveWorkers returns the async tasks that currently hold a worker.
func (m *Manager) ActiveWorkers() []*Task {
	m.mu.Lock()
	out := make([]*Task, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Shutdown refuses new work, cancels every task and waits for running workers
// until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	n := m.CancelAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("scheduler stopped", zap.Int("cancelled", n))
		return nil
	case <-ctx.Done():
		m.log.Warn("scheduler shutdown timed out", zap.Int("workers", len(m.ActiveWorkers())))
		return ctx.Err()
	}
}
