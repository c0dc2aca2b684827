package world

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/voxtick/server/internal/core/ecs"
	"github.com/voxtick/server/internal/core/event"
	"github.com/voxtick/server/internal/core/snapshot"
	"github.com/voxtick/server/internal/core/stage"
	"github.com/voxtick/server/internal/core/tick"
)

// Update is a queued dynamic change such as a block update. Applying it
// queues Remaining more updates; with a non-zero Dir the follow-up lands in
// the neighbouring region in that direction.
type Update struct {
	Remaining int
	Dir       RegionKey
}

func (u Update) spreads() bool { return u.Dir != RegionKey{} }

type outgoing struct {
	to RegionKey
	u  Update
}

// RegionStats is the per-tick summary computed during LIGHTING.
type RegionStats struct {
	Tick     uint64
	Entities int
	Applied  int
	Dropped  int
}

// Region is the simulation unit for one cube of the world grid.
type Region struct {
	key    RegionKey
	world  *World
	owner  stage.Owner
	bounds Bounds
	plan   tick.Plan
	log    *zap.Logger

	snaps    *snapshot.Manager
	entities *snapshot.Map[ecs.EntityID, *Entity]
	stats    *snapshot.Value[RegionStats]

	mu      sync.Mutex
	inbox   []Update
	outbox  []outgoing
	leaving []*Entity

	// stage work only
	physicsTick uint64
	applied     int
	dropped     int
}

func newRegion(w *World, key RegionKey) *Region {
	seq := key.Sequence()
	r := &Region{
		key:    key,
		world:  w,
		owner:  stage.NewOwner(),
		bounds: BoundsOf(key, w.cfg.RegionSize),
		log:    w.log.With(zap.Stringer("region", key)),
		plan: tick.NewPlan().
			With(stage.Stage1, 0, 0).
			With(stage.LocalDynamicUpdates, 0, 0).
			With(stage.GlobalDynamicUpdates, seq, seq).
			With(stage.LocalPhysics, 0, 0).
			With(stage.GlobalPhysics, seq, seq).
			With(stage.Lighting, 0, 0).
			With(stage.PreSnapshot, 0, 0).
			With(stage.Snapshot, 0, 0),
		snaps:    snapshot.NewManager(),
		entities: snapshot.NewMap[ecs.EntityID, *Entity](),
		stats:    snapshot.NewValue(RegionStats{}),
	}
	r.snaps.Register(r.entities)
	r.snaps.Register(r.stats)
	return r
}

func (r *Region) Name() string         { return "region/" + r.key.String() }
func (r *Region) Owner() stage.Owner   { return r.owner }
func (r *Region) Plan() tick.Plan      { return r.plan }
func (r *Region) Key() RegionKey       { return r.key }
func (r *Region) Bounds() Bounds       { return r.bounds }
func (r *Region) Stats() RegionStats   { return r.stats.Get() }
func (r *Region) EntityCount() int     { return r.entities.Len() }
func (r *Region) LiveEntityCount() int { return r.entities.LiveLen() }

// RegionView is one consistent read of a region's snapshot.
type RegionView struct {
	Key      RegionKey
	Stats    RegionStats
	Entities int
	// Changed counts entities that entered or left during the last tick.
	Changed int
}

// View reads stats and entities from the same snapshot copy.
func (r *Region) View() RegionView {
	v := RegionView{Key: r.key}
	r.snaps.Read(func() {
		v.Stats = r.stats.Get()
		v.Entities = r.entities.Len()
		v.Changed = len(r.entities.DirtyKeys())
	})
	return v
}

// Entity looks id up in the snapshot.
func (r *Region) Entity(id ecs.EntityID) (*Entity, bool) { return r.entities.Get(id) }

// Entities returns the entities of the last snapshot.
func (r *Region) Entities() []*Entity { return r.entities.Values() }

// guard rejects mutation outside mutable stages or from a foreign owner.
func (r *Region) guard(sc stage.Context) error {
	return sc.Require(stage.Mutable, r.owner, r.world.Owner())
}

// Spawn creates an entity inside this region.
func (r *Region) Spawn(sc stage.Context, name string, tr Transform) (*Entity, error) {
	if err := r.guard(sc); err != nil {
		return nil, err
	}
	if !r.bounds.Contains(tr.Position) {
		return nil, fmt.Errorf("spawn %q at %s: outside region %s", name, tr.Position, r.key)
	}
	e := newEntity(name, tr)
	r.world.entities.Add(e, func(id ecs.EntityID) { e.id = id })
	r.attach(e)
	event.Emit(r.world.bus, EntitySpawned{ID: e.id, Name: name, Region: r.key})
	return e, nil
}

// QueueUpdate adds a dynamic update, applied in the next update pass.
func (r *Region) QueueUpdate(sc stage.Context, u Update) error {
	if err := r.guard(sc); err != nil {
		return err
	}
	r.enqueue(u)
	return nil
}

func (r *Region) enqueue(u Update) {
	r.mu.Lock()
	r.inbox = append(r.inbox, u)
	r.mu.Unlock()
}

// PendingUpdates counts updates still waiting in this region.
func (r *Region) PendingUpdates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inbox) + len(r.outbox)
}

func (r *Region) attach(e *Entity) {
	e.region.Store(r)
	r.entities.Put(e.id, e)
	r.snaps.Register(e.transform)
}

func (r *Region) detach(e *Entity) {
	r.entities.Remove(e.id)
	r.snaps.Unregister(e.transform)
}

func (r *Region) RunStage(sc stage.Context, seq int) error {
	switch sc.Stage {
	case stage.Stage1:
		r.applied, r.dropped = 0, 0
		return nil
	case stage.LocalDynamicUpdates:
		return r.localUpdates(sc)
	case stage.GlobalDynamicUpdates:
		return r.globalUpdates(sc)
	case stage.LocalPhysics:
		return r.localPhysics(sc)
	case stage.GlobalPhysics:
		return r.globalPhysics(sc)
	case stage.Lighting:
		r.stats.Set(RegionStats{
			Tick:     sc.Tick,
			Entities: r.entities.LiveLen(),
			Applied:  r.applied,
			Dropped:  r.dropped,
		})
		return nil
	case stage.PreSnapshot:
		return r.check(sc)
	case stage.Snapshot:
		return r.commit(sc)
	}
	return nil
}

func (r *Region) localUpdates(sc stage.Context) error {
	if err := r.guard(sc); err != nil {
		return err
	}
	r.mu.Lock()
	batch := r.inbox
	r.inbox = nil
	r.mu.Unlock()

	for _, u := range batch {
		r.applied++
		if u.Remaining <= 0 {
			continue
		}
		next := Update{Remaining: u.Remaining - 1, Dir: u.Dir}
		r.mu.Lock()
		if next.spreads() {
			to := RegionKey{r.key.X + u.Dir.X, r.key.Y + u.Dir.Y, r.key.Z + u.Dir.Z}
			r.outbox = append(r.outbox, outgoing{to: to, u: next})
		} else {
			r.inbox = append(r.inbox, next)
		}
		r.mu.Unlock()
	}
	return nil
}

// globalUpdates hands follow-ups to neighbours. Neighbours never run this
// stage concurrently with r.
func (r *Region) globalUpdates(sc stage.Context) error {
	if err := r.guard(sc); err != nil {
		return err
	}
	r.mu.Lock()
	out := r.outbox
	r.outbox = nil
	r.mu.Unlock()

	for _, o := range out {
		dest, ok := r.world.regions.LiveGet(o.to)
		if !ok {
			r.dropped++
			continue
		}
		dest.enqueue(o.u)
	}
	return nil
}

func (r *Region) localPhysics(sc stage.Context) error {
	if err := r.guard(sc); err != nil {
		return err
	}
	if r.physicsTick == sc.Tick {
		return nil
	}
	r.physicsTick = sc.Tick
	dt := sc.Delta.Seconds()

	var leaving []*Entity
	r.entities.LiveRange(func(_ ecs.EntityID, e *Entity) bool {
		if e.Removed() {
			return true
		}
		tr := e.transform.Update(func(t Transform) Transform {
			if !t.Velocity.IsZero() && dt > 0 {
				t.Position = t.Position.Add(t.Velocity.Scale(dt))
			}
			return t
		})
		if !r.bounds.Contains(tr.Position) {
			leaving = append(leaving, e)
		}
		return true
	})
	if len(leaving) > 0 {
		r.mu.Lock()
		r.leaving = append(r.leaving, leaving...)
		r.mu.Unlock()
	}
	return nil
}

func (r *Region) globalPhysics(sc stage.Context) error {
	if err := r.guard(sc); err != nil {
		return err
	}
	r.mu.Lock()
	leaving := r.leaving
	r.leaving = nil
	r.mu.Unlock()
	for _, e := range leaving {
		r.world.queueMigration(r, e)
	}
	return nil
}

// check verifies that every entity is inside the region it belongs to.
func (r *Region) check(sc stage.Context) error {
	var bad int
	r.entities.LiveRange(func(_ ecs.EntityID, e *Entity) bool {
		if e.Region() != r || !r.bounds.Contains(e.LiveTransform().Position) {
			bad++
		}
		return true
	})
	if bad > 0 {
		return fmt.Errorf("region %s: %d entities out of place at tick %d", r.key, bad, sc.Tick)
	}
	return nil
}

// commit purges entities removed in an earlier tick and publishes the
// region's live state.
func (r *Region) commit(sc stage.Context) error {
	var purge []*Entity
	r.entities.LiveRange(func(_ ecs.EntityID, e *Entity) bool {
		if at := e.removedAt.Load(); at != 0 && at < sc.Tick {
			purge = append(purge, e)
		}
		return true
	})
	for _, e := range purge {
		r.detach(e)
		r.world.entities.Remove(e.id)
		event.Emit(r.world.bus, EntityRemoved{ID: e.id, Region: r.key})
	}
	return r.snaps.CopySnapshot(sc)
}
