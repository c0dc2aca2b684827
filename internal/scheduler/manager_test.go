package scheduler

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxtick/server/internal/core/stage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Options{Resolution: 1, AsyncPoolSize: 4}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func beat(m *Manager, n int) {
	for i := 0; i < n; i++ {
		m.Heartbeat(stage.New(stage.TickStart, stage.NoOwner, uint64(m.UpTime()+1), 50*time.Millisecond), 1)
	}
}

func counter(n *atomic.Int64) Work {
	return func(context.Context) error {
		n.Add(1)
		return nil
	}
}

func TestManager_DelayedRunsOnce(t *testing.T) {
	m := newTestManager(t)
	var n atomic.Int64
	task, err := m.RunTaskLater("test", counter(&n), 3, Normal)
	require.NoError(t, err)
	assert.True(t, m.IsQueued(task.ID()))

	beat(m, 2)
	assert.Zero(t, n.Load())
	beat(m, 1)
	assert.EqualValues(t, 1, n.Load())
	assert.Equal(t, Dead, task.State())
	assert.Empty(t, m.PendingTasks())

	beat(m, 5)
	assert.EqualValues(t, 1, n.Load())
}

func TestManager_RepeatingTasksRunEveryTick(t *testing.T) {
	m := newTestManager(t)
	counts := make([]atomic.Int64, 100)
	for i := range counts {
		_, err := m.RunTaskTimer("bulk", counter(&counts[i]), 0, 1, Normal)
		require.NoError(t, err)
	}

	beat(m, 10)
	for i := range counts {
		assert.EqualValues(t, 10, counts[i].Load(), "task %d", i)
	}
	assert.Len(t, m.PendingTasks(), 100)
}

func TestManager_PeriodSpacing(t *testing.T) {
	m := newTestManager(t)
	var at []int64
	_, err := m.RunTaskTimer("test", func(context.Context) error {
		at = append(at, m.UpTime())
		return nil
	}, 2, 3, Normal)
	require.NoError(t, err)

	beat(m, 12)
	assert.Equal(t, []int64{2, 5, 8, 11}, at)
}

func TestManager_Cancel(t *testing.T) {
	m := newTestManager(t)
	var n atomic.Int64
	task, err := m.RunTaskTimer("test", counter(&n), 0, 1, Normal)
	require.NoError(t, err)

	beat(m, 2)
	require.EqualValues(t, 2, n.Load())

	assert.True(t, m.Cancel(task.ID()))
	assert.Equal(t, Dead, task.State())
	assert.False(t, m.IsQueued(task.ID()))
	assert.False(t, m.Cancel(task.ID()))
	assert.False(t, m.CancelTask(task))

	beat(m, 5)
	assert.EqualValues(t, 2, n.Load())
	assert.Empty(t, m.PendingTasks())
	assert.Zero(t, m.QueueLen())
}

func TestManager_CancelTasksByOwner(t *testing.T) {
	m := newTestManager(t)
	var a, b atomic.Int64
	for i := 0; i < 3; i++ {
		_, err := m.RunTaskTimer("alpha", counter(&a), 0, 1, Normal)
		require.NoError(t, err)
	}
	_, err := m.RunTaskTimer("beta", counter(&b), 0, 1, Normal)
	require.NoError(t, err)

	assert.Equal(t, 3, m.CancelTasks("alpha"))
	assert.Zero(t, m.CancelTasks("alpha"))
	beat(m, 2)
	assert.Zero(t, a.Load())
	assert.EqualValues(t, 2, b.Load())

	assert.Equal(t, 1, m.CancelAll())
	assert.Empty(t, m.PendingTasks())
}

func TestManager_OverloadDefersWithinBudget(t *testing.T) {
	m := newTestManager(t)
	m.SetOverloadPredicate(func() bool { return true })

	var deferred, critical atomic.Int64
	budget := Priority{Name: "TEST", MaxDeferred: 3}
	_, err := m.RunTaskWithPriority("test", counter(&deferred), budget)
	require.NoError(t, err)
	_, err = m.RunTaskWithPriority("test", counter(&critical), Critical)
	require.NoError(t, err)

	beat(m, 1)
	assert.EqualValues(t, 1, critical.Load(), "critical work is never deferred")
	assert.Zero(t, deferred.Load())

	beat(m, 2)
	assert.Zero(t, deferred.Load())
	beat(m, 1)
	assert.EqualValues(t, 1, deferred.Load(), "budget exhausted, execution forced")

	beat(m, 5)
	assert.EqualValues(t, 1, deferred.Load())
}

func TestManager_DeferralResetsWhenLoadClears(t *testing.T) {
	m := newTestManager(t)
	var load atomic.Bool
	load.Store(true)
	m.SetOverloadPredicate(load.Load)

	var n atomic.Int64
	_, err := m.RunTaskTimer("test", counter(&n), 0, 1, Highest)
	require.NoError(t, err)

	beat(m, 3)
	assert.Zero(t, n.Load())
	load.Store(false)
	beat(m, 2)
	assert.EqualValues(t, 2, n.Load())
}

func TestManager_SyncFailureIsolated(t *testing.T) {
	m := newTestManager(t)
	var ok atomic.Int64
	var panics atomic.Int64
	_, err := m.RunTaskTimer("bad", func(context.Context) error {
		panics.Add(1)
		panic("boom")
	}, 0, 1, Normal)
	require.NoError(t, err)
	_, err = m.RunTaskTimer("bad", func(context.Context) error {
		return errors.New("failed")
	}, 0, 1, Normal)
	require.NoError(t, err)
	_, err = m.RunTaskTimer("good", counter(&ok), 0, 1, Normal)
	require.NoError(t, err)

	beat(m, 3)
	assert.EqualValues(t, 3, ok.Load())
	assert.EqualValues(t, 3, panics.Load(), "a panicking repeating task stays scheduled")
}

func TestManager_SyncWorkSeesStageContext(t *testing.T) {
	m := newTestManager(t)
	var got stage.Context
	var found bool
	_, err := m.RunTask("test", func(ctx context.Context) error {
		got, found = stage.FromContext(ctx)
		return nil
	})
	require.NoError(t, err)

	beat(m, 1)
	require.True(t, found)
	assert.Equal(t, stage.TickStart, got.Stage)
}

func TestManager_AsyncRunsOffHeartbeat(t *testing.T) {
	m := newTestManager(t)
	done := make(chan struct{})
	task, err := m.RunTaskAsynchronously("test", func(ctx context.Context) error {
		_, inStage := stage.FromContext(ctx)
		assert.False(t, inStage)
		close(done)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async task never ran")
	}
	require.Eventually(t, func() bool { return task.State() == Dead }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(m.ActiveWorkers()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestManager_AsyncRepeatingWaitsForCompletion(t *testing.T) {
	m := newTestManager(t)
	var n atomic.Int64
	task, err := m.RunTaskTimerAsynchronously("test", counter(&n), 1, 1)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		beat(m, 1)
		require.Eventually(t, func() bool {
			return n.Load() == int64(i) && m.IsQueued(task.ID())
		}, 2*time.Second, 2*time.Millisecond, "run %d", i)
	}
	assert.True(t, m.Cancel(task.ID()))
}

func TestManager_LongLivedCancelInterrupts(t *testing.T) {
	m := newTestManager(t)
	started := make(chan struct{})
	stopped := make(chan struct{})
	task, err := m.ScheduleAsync("test", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}, true)
	require.NoError(t, err)

	<-started
	assert.True(t, m.IsCurrentlyRunning(task.ID()))
	assert.Len(t, m.ActiveWorkers(), 1)

	require.True(t, m.Cancel(task.ID()))
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("long-lived task ignored cancellation")
	}
	assert.Eventually(t, func() bool {
		return len(m.ActiveWorkers()) == 0 && len(m.PendingTasks()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, m.IsCurrentlyRunning(task.ID()))
}

func TestManager_AsyncPoolBounded(t *testing.T) {
	m := NewManager(Options{Resolution: 1, AsyncPoolSize: 2}, zap.NewNop())
	defer func() { _ = m.Shutdown(context.Background()) }()

	var cur, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		_, err := m.RunTaskAsynchronously("test", func(context.Context) error {
			defer wg.Done()
			c := cur.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			cur.Add(-1)
			return nil
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestManager_TaskIDExhaustion(t *testing.T) {
	m := newTestManager(t)
	m.lastID.Store(math.MaxInt64 - 2)
	noop := func(context.Context) error { return nil }

	task, err := m.RunTask("test", noop)
	require.NoError(t, err)
	assert.EqualValues(t, math.MaxInt64-1, task.ID())

	_, err = m.RunTask("test", noop)
	assert.ErrorIs(t, err, ErrTaskIDExhausted)
	_, err = m.RunTaskAsynchronously("test", noop)
	assert.ErrorIs(t, err, ErrTaskIDExhausted)
}

func TestManager_ShutdownRefusesWork(t *testing.T) {
	m := NewManager(Options{}, zap.NewNop())
	var n atomic.Int64
	_, err := m.RunTaskTimer("test", counter(&n), 0, 1, Normal)
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))
	_, err = m.RunTask("test", counter(&n))
	assert.ErrorIs(t, err, ErrClosed)
	beat(m, 3)
	assert.Zero(t, n.Load())
}

func TestManager_NilWorkRejected(t *testing.T) {
	m := newTestManager(t)
	_, err := m.RunTask("test", nil)
	assert.Error(t, err)
}

func TestManager_NonPositivePeriodRunsOnce(t *testing.T) {
	for _, period := range []int64{0, -1} {
		m := newTestManager(t)
		var n atomic.Int64
		task, err := m.RunTaskTimer("test", counter(&n), 0, period, Normal)
		require.NoError(t, err)
		assert.Zero(t, task.Period())

		beat(m, 5)
		assert.EqualValues(t, 1, n.Load(), "period %d", period)
		assert.Equal(t, Dead, task.State(), "period %d", period)
		assert.Empty(t, m.PendingTasks())
	}
}

func TestManager_NonPositivePeriodAsyncRunsOnce(t *testing.T) {
	for _, period := range []int64{0, -1} {
		m := newTestManager(t)
		var n atomic.Int64
		task, err := m.RunTaskTimerAsynchronously("test", counter(&n), 0, period)
		require.NoError(t, err)

		beat(m, 1)
		require.Eventually(t, func() bool { return task.State() == Dead }, 2*time.Second, 2*time.Millisecond)
		beat(m, 4)
		assert.EqualValues(t, 1, n.Load(), "period %d", period)
		assert.False(t, m.IsQueued(task.ID()))
	}
}

func TestManager_PulseSkipsTaskKilledAfterPoll(t *testing.T) {
	m := newTestManager(t)
	var n atomic.Int64
	task, err := m.RunTaskTimer("test", counter(&n), 0, 1, Normal)
	require.NoError(t, err)

	// GIVEN a task already polled as due
	due := m.queue.Poll(m.UpTime())
	require.Equal(t, []*Task{task}, due)

	// WHEN it is cancelled before its pulse runs
	assert.True(t, m.CancelTask(task))
	m.pulse(stage.New(stage.TickStart, stage.NoOwner, 1, 0), task, m.UpTime())

	// THEN the work never runs and the task is not kept
	assert.Zero(t, n.Load())
	assert.False(t, task.Executing())
	assert.Empty(t, m.PendingTasks())
}
