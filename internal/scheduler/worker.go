package scheduler

import "go.uber.org/zap"

// worker runs one execution of an async task and hands the task back to the
// manager when done, whatever the outcome.
type worker struct {
	m *Manager
	t *Task
}

func (w *worker) start() {
	if w.t.longLived {
		go w.run(true)
		return
	}
	w.m.pool.Go(w.t.ctx, w.run)
}

func (w *worker) run(acquired bool) {
	defer w.m.workerDone(w)
	if !acquired || !w.t.Alive() {
		return
	}
	if !w.t.executing.CompareAndSwap(false, true) {
		return
	}
	defer w.t.executing.Store(false)
	if err := execute(w.t.ctx, w.t); err != nil {
		w.m.log.Warn("async task failed",
			zap.Int64("task", w.t.id),
			zap.String("owner", w.t.owner),
			zap.Error(err))
	}
}

// interrupt signals cooperative cancellation.
func (w *worker) interrupt() { w.t.cancel() }
