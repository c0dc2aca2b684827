package scheduler

// Scheduler is the task API offered to gameplay code and scripts.
type Scheduler interface {
	RunTask(owner string, work Work) (*Task, error)
	RunTaskWithPriority(owner string, work Work, prio Priority) (*Task, error)
	RunTaskAsynchronously(owner string, work Work) (*Task, error)
	RunTaskLater(owner string, work Work, delay int64, prio Priority) (*Task, error)
	RunTaskLaterAsynchronously(owner string, work Work, delay int64) (*Task, error)
	RunTaskTimer(owner string, work Work, delay, period int64, prio Priority) (*Task, error)
	RunTaskTimerAsynchronously(owner string, work Work, delay, period int64) (*Task, error)
	Cancel(id int64) bool
	CancelTasks(owner string) int
	UpTime() int64
}

var _ Scheduler = (*Manager)(nil)

// RunTask runs work on the next tick.
func (m *Manager) RunTask(owner string, work Work) (*Task, error) {
	return m.ScheduleSyncDelayed(owner, work, 0, Normal)
}

func (m *Manager) RunTaskWithPriority(owner string, work Work, prio Priority) (*Task, error) {
	return m.ScheduleSyncDelayed(owner, work, 0, prio)
}

func (m *Manager) RunTaskAsynchronously(owner string, work Work) (*Task, error) {
	return m.ScheduleAsync(owner, work, false)
}

func (m *Manager) RunTaskLater(owner string, work Work, delay int64, prio Priority) (*Task, error) {
	return m.ScheduleSyncDelayed(owner, work, delay, prio)
}

func (m *Manager) RunTaskLaterAsynchronously(owner string, work Work, delay int64) (*Task, error) {
	return m.ScheduleAsyncDelayed(owner, work, delay, false)
}

func (m *Manager) RunTaskTimer(owner string, work Work, delay, period int64, prio Priority) (*Task, error) {
	return m.ScheduleSyncRepeating(owner, work, delay, period, prio)
}

func (m *Manager) RunTaskTimerAsynchronously(owner string, work Work, delay, period int64) (*Task, error) {
	return m.ScheduleAsyncRepeating(owner, work, delay, period, false)
}
