package world

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxtick/server/internal/core/ecs"
	"github.com/voxtick/server/internal/core/event"
	"github.com/voxtick/server/internal/core/stage"
	"github.com/voxtick/server/internal/core/tick"
)

type lastReport struct{ r *tick.Report }

func (l *lastReport) ReportTick(r *tick.Report) { l.r = r }

func newTestWorld(t *testing.T) *World {
	t.Helper()
	exec := tick.NewExecutor(4)
	t.Cleanup(exec.Close)
	w := New(Config{Name: "test", RegionSize: 16}, exec, zap.NewNop())
	t.Cleanup(func() { _ = w.Shutdown(context.Background()) })
	return w
}

func step(t *testing.T, w *World) {
	t.Helper()
	require.NoError(t, w.Driver().Tick(50*time.Millisecond))
}

// during runs fn as a sync task in the next tick and steps once.
func during(t *testing.T, w *World, fn func(sc stage.Context) error) {
	t.Helper()
	var ran bool
	var err error
	_, serr := w.Scheduler().RunTask("test", func(ctx context.Context) error {
		sc, ok := stage.FromContext(ctx)
		require.True(t, ok)
		ran = true
		err = fn(sc)
		return err
	})
	require.NoError(t, serr)
	step(t, w)
	require.True(t, ran)
	require.NoError(t, err)
}

func TestRegionKey_ColouringSeparatesNeighbours(t *testing.T) {
	for _, k := range []RegionKey{{0, 0, 0}, {-1, 4, 7}, {5, -3, -2}} {
		seq := k.Sequence()
		assert.GreaterOrEqual(t, seq, 0)
		assert.Less(t, seq, 27)
		for _, n := range k.Neighbours() {
			assert.NotEqual(t, seq, n.Sequence(), "%s vs %s", k, n)
		}
	}
}

func TestKeyFor_FloorsNegative(t *testing.T) {
	assert.Equal(t, RegionKey{-1, 0, 1}, KeyFor(Vec3{-0.5, 3, 16}, 16))
	b := BoundsOf(RegionKey{-1, 0, 0}, 16)
	assert.True(t, b.Contains(Vec3{-0.5, 0, 0}))
	assert.False(t, b.Contains(Vec3{0, 0, 0}))
	assert.Less(t, b.Clamp(Vec3{3, 0, 0}).X, 0.0)
}

func TestWorld_RegionLoadAppliesBetweenTicks(t *testing.T) {
	w := newTestWorld(t)
	k := RegionKey{0, 0, 0}
	r := w.LoadRegion(k)
	assert.Same(t, r, w.LoadRegion(k))

	_, ok := w.Region(k)
	assert.False(t, ok)

	step(t, w)
	got, ok := w.Region(k)
	require.True(t, ok)
	assert.Same(t, r, got)
	assert.Contains(t, w.Driver().Sequences(stage.GlobalDynamicUpdates), k.Sequence())
	assert.Equal(t, []int{0, 1}, w.Driver().Sequences(stage.Snapshot))
}

func TestWorld_SpawnFromTask(t *testing.T) {
	w := newTestWorld(t)
	w.LoadRegion(RegionKey{0, 0, 0})
	step(t, w)

	var e *Entity
	during(t, w, func(sc stage.Context) error {
		var err error
		e, err = w.Spawn(sc, "walker", Transform{Position: Vec3{1, 1, 1}})
		return err
	})
	require.NotNil(t, e)
	assert.False(t, e.ID().IsZero())
	assert.Equal(t, 1, w.EntityCount())

	r, _ := w.Region(RegionKey{0, 0, 0})
	got, ok := r.Entity(e.ID())
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Equal(t, 1, r.Stats().Entities)
}

func TestWorld_SpawnRejectedOutsideMutableStages(t *testing.T) {
	w := newTestWorld(t)
	w.LoadRegion(RegionKey{0, 0, 0})
	step(t, w)

	_, err := w.Spawn(stage.New(stage.PreSnapshot, w.Owner(), 1, 0), "x", Transform{})
	assert.True(t, stage.IsAccessError(err))

	_, err = w.Spawn(stage.New(stage.Stage1, stage.NewOwner(), 1, 0), "x", Transform{})
	assert.True(t, stage.IsAccessError(err), "foreign owner")

	_, err = w.Spawn(stage.New(stage.Stage1, w.Owner(), 1, 0), "x", Transform{Position: Vec3{100, 0, 0}})
	assert.ErrorIs(t, err, ErrRegionNotLoaded)
}

func TestWorld_PhysicsMigratesAcrossRegions(t *testing.T) {
	w := newTestWorld(t)
	a := w.LoadRegion(RegionKey{0, 0, 0})
	b := w.LoadRegion(RegionKey{1, 0, 0})
	var migrated []EntityMigrated
	event.Subscribe(w.Events(), func(ev EntityMigrated) { migrated = append(migrated, ev) })
	step(t, w)

	var e *Entity
	during(t, w, func(sc stage.Context) error {
		var err error
		e, err = w.Spawn(sc, "runner", Transform{Position: Vec3{15, 1, 1}, Velocity: Vec3{40, 0, 0}})
		return err
	})

	// 40 units/s for 50 ms crosses the x=16 border.
	assert.InDelta(t, 17.0, e.Transform().Position.X, 1e-9)
	assert.Same(t, b, e.Region())
	_, inA := a.Entity(e.ID())
	_, inB := b.Entity(e.ID())
	assert.False(t, inA)
	assert.True(t, inB)
	assert.Empty(t, migrated, "events are delivered one tick later")

	step(t, w)
	require.Len(t, migrated, 1)
	assert.Equal(t, EntityMigrated{ID: e.ID(), From: a.Key(), To: b.Key()}, migrated[0])
}

func TestWorld_MigrationToUnloadedRegionClamps(t *testing.T) {
	w := newTestWorld(t)
	r := w.LoadRegion(RegionKey{0, 0, 0})
	step(t, w)

	var e *Entity
	during(t, w, func(sc stage.Context) error {
		var err error
		e, err = w.Spawn(sc, "wall", Transform{Position: Vec3{8, 8, 8}, Velocity: Vec3{400, 0, 0}})
		return err
	})
	tr := e.Transform()
	assert.Same(t, r, e.Region())
	assert.True(t, r.Bounds().Contains(tr.Position))
	assert.True(t, tr.Velocity.IsZero())
}

func TestWorld_RemovedEntityPurgedNextTick(t *testing.T) {
	w := newTestWorld(t)
	w.LoadRegion(RegionKey{0, 0, 0})
	var removed []ecs.EntityID
	event.Subscribe(w.Events(), func(ev EntityRemoved) { removed = append(removed, ev.ID) })
	step(t, w)

	var e *Entity
	during(t, w, func(sc stage.Context) error {
		var err error
		e, err = w.Spawn(sc, "doomed", Transform{Position: Vec3{2, 2, 2}})
		return err
	})
	r := e.Region()

	during(t, w, func(sc stage.Context) error { return e.MarkRemoved(sc) })
	assert.True(t, e.Removed())
	_, ok := r.Entity(e.ID())
	assert.True(t, ok, "still visible in the snapshot of the removal tick")

	step(t, w)
	_, ok = r.Entity(e.ID())
	assert.False(t, ok)
	_, ok = w.Entity(e.ID())
	assert.False(t, ok)
	assert.Zero(t, w.EntityCount())

	step(t, w)
	assert.Equal(t, []ecs.EntityID{e.ID()}, removed)
}

func TestWorld_UpdateChainConverges(t *testing.T) {
	w := newTestWorld(t)
	r := w.LoadRegion(RegionKey{0, 0, 0})
	rep := &lastReport{}
	w.Driver().AddReporter(rep)
	step(t, w)

	during(t, w, func(sc stage.Context) error {
		return r.QueueUpdate(sc, Update{Remaining: 3})
	})
	require.NotNil(t, rep.r)
	assert.Equal(t, 4, rep.r.Iterations)
	assert.Equal(t, 3, rep.r.Updates)
	assert.False(t, rep.r.ThresholdExceeded)
	assert.Equal(t, 4, r.Stats().Applied)
	assert.Zero(t, r.PendingUpdates())
}

func TestWorld_UpdatesSpreadToNeighbours(t *testing.T) {
	w := newTestWorld(t)
	a := w.LoadRegion(RegionKey{0, 0, 0})
	b := w.LoadRegion(RegionKey{1, 0, 0})
	step(t, w)

	during(t, w, func(sc stage.Context) error {
		if err := a.QueueUpdate(sc, Update{Remaining: 1, Dir: RegionKey{1, 0, 0}}); err != nil {
			return err
		}
		return a.QueueUpdate(sc, Update{Remaining: 1, Dir: RegionKey{-1, 0, 0}})
	})
	assert.Equal(t, RegionStats{Tick: 2, Entities: 0, Applied: 2, Dropped: 1}, a.Stats())
	assert.Equal(t, 1, b.Stats().Applied)
}

func TestWorld_UnloadDestroysEntities(t *testing.T) {
	w := newTestWorld(t)
	k := RegionKey{0, 0, 0}
	w.LoadRegion(k)
	step(t, w)
	during(t, w, func(sc stage.Context) error {
		for i := 0; i < 3; i++ {
			if _, err := w.Spawn(sc, "e", Transform{Position: Vec3{float64(i), 0, 0}}); err != nil {
				return err
			}
		}
		return nil
	})
	require.Equal(t, 3, w.EntityCount())

	assert.True(t, w.UnloadRegion(k))
	assert.False(t, w.UnloadRegion(k))
	step(t, w)
	_, ok := w.Region(k)
	assert.False(t, ok)
	assert.Zero(t, w.EntityCount())
	assert.False(t, w.UnloadRegion(k))
}

func TestWorld_PreloadCube(t *testing.T) {
	w := newTestWorld(t)
	assert.Equal(t, 27, w.Preload(RegionKey{}, 1))
	step(t, w)
	assert.Len(t, w.Regions(), 27)
	assert.Len(t, w.Driver().Sequences(stage.GlobalPhysics), 27)
}
