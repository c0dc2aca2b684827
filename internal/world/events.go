package world

import "github.com/voxtick/server/internal/core/ecs"

// Events are emitted during a tick and delivered in the FINALIZE stage of the
// next one.

type RegionLoaded struct {
	Key RegionKey
}

type RegionUnloaded struct {
	Key      RegionKey
	Entities int
}

type EntitySpawned struct {
	ID     ecs.EntityID
	Name   string
	Region RegionKey
}

type EntityMigrated struct {
	ID       ecs.EntityID
	From, To RegionKey
}

type EntityRemoved struct {
	ID     ecs.EntityID
	Region RegionKey
}
