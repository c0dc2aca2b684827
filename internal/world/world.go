package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/voxtick/server/internal/core/ecs"
	"github.com/voxtick/server/internal/core/event"
	"github.com/voxtick/server/internal/core/snapshot"
	"github.com/voxtick/server/internal/core/stage"
	"github.com/voxtick/server/internal/core/tick"
	"github.com/voxtick/server/internal/scheduler"
)

var ErrRegionNotLoaded = errors.New("world: region not loaded")

// DefaultRegionSize is the edge length of a region in world units.
const DefaultRegionSize = 16.0

type Config struct {
	Name       string
	RegionSize float64
	Tick       tick.Config
	Scheduler  scheduler.Options
}

type migration struct {
	e    *Entity
	from *Region
	to   RegionKey
}

// World is one independently ticking domain: a driver, its task manager and
// the regions registered with it.
type World struct {
	cfg    Config
	log    *zap.Logger
	driver *tick.Driver
	sched  *scheduler.Manager
	bus    *event.Bus

	entities *ecs.Registry[Entity]
	regions  *snapshot.Map[RegionKey, *Region]
	snaps    *snapshot.Manager

	// events emitted during the last completed tick
	eventsLast atomic.Int64

	mu         sync.Mutex
	loading    map[RegionKey]*Region
	unloading  map[RegionKey]bool
	migrations []migration
}

// New builds a world ticking on exec. The world registers itself with its
// driver for FINALIZE and SNAPSHOT.
func New(cfg Config, exec *tick.Executor, log *zap.Logger) *World {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RegionSize <= 0 {
		cfg.RegionSize = DefaultRegionSize
	}
	cfg.Tick.Name = cfg.Name
	base := log
	log = log.With(zap.String("world", cfg.Name))

	w := &World{
		cfg:       cfg,
		log:       log,
		driver:    tick.NewDriver(cfg.Tick, exec, base),
		sched:     scheduler.NewManager(cfg.Scheduler, log),
		bus:       event.NewBus(),
		entities:  ecs.NewRegistry[Entity](),
		regions:   snapshot.NewMap[RegionKey, *Region](),
		snaps:     snapshot.NewManager(),
		loading:   make(map[RegionKey]*Region),
		unloading: make(map[RegionKey]bool),
	}
	w.snaps.Register(w.regions)
	w.driver.SetHeartbeater(w.sched)
	w.sched.SetOverloadPredicate(w.driver.Overloaded)
	w.driver.OnApply(w.apply)
	w.driver.Register(w)
	return w
}

func (w *World) Name() string                  { return "world/" + w.cfg.Name }
func (w *World) WorldName() string             { return w.cfg.Name }
func (w *World) Owner() stage.Owner            { return w.driver.Owner() }
func (w *World) Driver() *tick.Driver          { return w.driver }
func (w *World) Scheduler() *scheduler.Manager { return w.sched }
func (w *World) Events() *event.Bus            { return w.bus }
func (w *World) RegionSize() float64           { return w.cfg.RegionSize }

// Plan: migrations in FINALIZE, region index copy after the regions' own
// snapshot copies.
func (w *World) Plan() tick.Plan {
	return tick.NewPlan().
		With(stage.Finalize, 0, 0).
		With(stage.Snapshot, 1, 1)
}

func (w *World) RunStage(sc stage.Context, seq int) error {
	switch sc.Stage {
	case stage.Finalize:
		w.bus.Dispatch()
		return w.migrate(sc)
	case stage.Snapshot:
		w.eventsLast.Store(int64(w.bus.Pending()))
		w.bus.Swap()
		return w.snaps.CopySnapshot(sc)
	}
	return nil
}

// Region returns the region at key as of the last snapshot.
func (w *World) Region(key RegionKey) (*Region, bool) { return w.regions.Get(key) }

// Regions returns the regions of the last snapshot.
func (w *World) Regions() []*Region { return w.regions.Values() }

// RegionAt returns the snapshot region containing p.
func (w *World) RegionAt(p Vec3) (*Region, bool) {
	return w.regions.Get(KeyFor(p, w.cfg.RegionSize))
}

// LiveRegion returns a loaded region, including one loaded this tick.
func (w *World) LiveRegion(key RegionKey) (*Region, bool) { return w.regions.LiveGet(key) }

// Entity looks up any entity of this world by id.
func (w *World) Entity(id ecs.EntityID) (*Entity, bool) { return w.entities.Get(id) }

func (w *World) EntityCount() int { return w.entities.Len() }

// EventsLastTick is the number of events emitted during the last tick.
func (w *World) EventsLastTick() int { return int(w.eventsLast.Load()) }

// LiveEntities returns every registered entity in id slot order, including
// ones marked removed but not yet purged.
func (w *World) LiveEntities() []*Entity {
	var out []*Entity
	w.entities.Each(func(_ ecs.EntityID, e *Entity) {
		out = append(out, e)
	})
	return out
}

// LoadRegion registers the region at key. It starts ticking with the next
// tick. Loading a loaded or loading region returns the existing one.
func (w *World) LoadRegion(key RegionKey) *Region {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.loading[key]; ok {
		return r
	}
	if r, ok := w.regions.LiveGet(key); ok {
		delete(w.unloading, key)
		return r
	}
	r := newRegion(w, key)
	w.loading[key] = r
	w.driver.Register(r)
	return r
}

// Preload loads every region within radius of center.
func (w *World) Preload(center RegionKey, radius int32) int {
	keys := Cube(center, radius)
	for _, k := range keys {
		w.LoadRegion(k)
	}
	return len(keys)
}

// UnloadRegion removes the region at key before the next tick. Its entities
// are destroyed.
func (w *World) UnloadRegion(key RegionKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.loading[key]; ok {
		delete(w.loading, key)
		w.driver.Unregister(r)
		return true
	}
	r, ok := w.regions.LiveGet(key)
	if !ok || w.unloading[key] {
		return false
	}
	w.unloading[key] = true
	w.driver.Unregister(r)
	return true
}

// apply runs on the driver goroutine between ticks.
func (w *World) apply(added, removed []tick.Unit) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, u := range added {
		r, ok := u.(*Region)
		if !ok {
			continue
		}
		delete(w.loading, r.key)
		w.regions.Put(r.key, r)
		event.Emit(w.bus, RegionLoaded{Key: r.key})
	}
	for _, u := range removed {
		r, ok := u.(*Region)
		if !ok {
			continue
		}
		delete(w.unloading, r.key)
		if cur, ok := w.regions.LiveGet(r.key); ok && cur == r {
			w.regions.Remove(r.key)
		}
		n := 0
		r.entities.LiveRange(func(id ecs.EntityID, _ *Entity) bool {
			w.entities.Remove(id)
			n++
			return true
		})
		event.Emit(w.bus, RegionUnloaded{Key: r.key, Entities: n})
		w.log.Debug("region unloaded", zap.Stringer("region", r.key), zap.Int("entities", n))
	}
}

// Spawn creates an entity in the loaded region containing tr.Position.
func (w *World) Spawn(sc stage.Context, name string, tr Transform) (*Entity, error) {
	key := KeyFor(tr.Position, w.cfg.RegionSize)
	r, ok := w.regions.LiveGet(key)
	if !ok {
		return nil, fmt.Errorf("spawn %q: %w: %s", name, ErrRegionNotLoaded, key)
	}
	return r.Spawn(sc, name, tr)
}

func (w *World) queueMigration(from *Region, e *Entity) {
	to := KeyFor(e.LiveTransform().Position, w.cfg.RegionSize)
	w.mu.Lock()
	w.migrations = append(w.migrations, migration{e: e, from: from, to: to})
	w.mu.Unlock()
}

// migrate moves entities that left their region during physics. Entities
// heading for a region that is not loaded are clamped and stopped.
func (w *World) migrate(sc stage.Context) error {
	if err := sc.Require(stage.Of(stage.Finalize), w.Owner()); err != nil {
		return err
	}
	w.mu.Lock()
	pending := w.migrations
	w.migrations = nil
	w.mu.Unlock()

	for _, m := range pending {
		if m.e.Removed() || m.e.Region() != m.from {
			continue
		}
		dest, ok := w.regions.LiveGet(m.to)
		if ok && dest != m.from {
			m.from.detach(m.e)
			dest.attach(m.e)
			event.Emit(w.bus, EntityMigrated{ID: m.e.id, From: m.from.key, To: m.to})
			continue
		}
		bounds := m.from.bounds
		m.e.transform.Update(func(t Transform) Transform {
			t.Position = bounds.Clamp(t.Position)
			t.Velocity = Vec3{}
			return t
		})
	}
	return nil
}

// Run ticks the world until ctx is done or Stop is called.
func (w *World) Run(ctx context.Context) error { return w.driver.Run(ctx) }

// Shutdown stops ticking and cancels all scheduled work.
func (w *World) Shutdown(ctx context.Context) error {
	w.driver.Stop()
	return w.sched.Shutdown(ctx)
}
