package world

import (
	"sync/atomic"

	"github.com/voxtick/server/internal/core/ecs"
	"github.com/voxtick/server/internal/core/snapshot"
	"github.com/voxtick/server/internal/core/stage"
)

// Transform is an entity's kinematic state.
type Transform struct {
	Position Vec3
	Velocity Vec3
}

// Entity is a moving object owned by exactly one region at a time.
type Entity struct {
	id        ecs.EntityID
	name      string
	transform *snapshot.Value[Transform]
	region    atomic.Pointer[Region]
	removedAt atomic.Uint64
}

func newEntity(name string, tr Transform) *Entity {
	return &Entity{name: name, transform: snapshot.NewValue(tr)}
}

func (e *Entity) ID() ecs.EntityID { return e.id }
func (e *Entity) Name() string     { return e.name }

// Transform returns the state as of the last snapshot.
func (e *Entity) Transform() Transform { return e.transform.Get() }

// LiveTransform returns the state being computed this tick.
func (e *Entity) LiveTransform() Transform { return e.transform.Live() }

// Region is the region currently owning the entity.
func (e *Entity) Region() *Region { return e.region.Load() }

// Removed reports whether the entity was marked for removal.
func (e *Entity) Removed() bool { return e.removedAt.Load() != 0 }

func (e *Entity) guard(sc stage.Context) error {
	r := e.Region()
	if r == nil {
		return sc.Require(stage.Mutable)
	}
	return r.guard(sc)
}

// SetVelocity replaces the live velocity.
func (e *Entity) SetVelocity(sc stage.Context, v Vec3) error {
	if err := e.guard(sc); err != nil {
		return err
	}
	e.transform.Update(func(t Transform) Transform {
		t.Velocity = v
		return t
	})
	return nil
}

// Teleport replaces the live position. A position outside the owning region
// is picked up by the next physics pass and migrated.
func (e *Entity) Teleport(sc stage.Context, p Vec3) error {
	if err := e.guard(sc); err != nil {
		return err
	}
	e.transform.Update(func(t Transform) Transform {
		t.Position = p
		return t
	})
	return nil
}

// MarkRemoved flags the entity. It stays in live state until the snapshot of
// the following tick, so readers of the current snapshot never lose it
// mid-tick.
func (e *Entity) MarkRemoved(sc stage.Context) error {
	if err := e.guard(sc); err != nil {
		return err
	}
	at := sc.Tick
	if at == 0 {
		at = 1
	}
	e.removedAt.CompareAndSwap(0, at)
	return nil
}
