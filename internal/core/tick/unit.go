package tick

import "github.com/voxtick/server/internal/core/stage"

// Unit is one independently owned piece of simulation state, typically a
// world region. The driver calls RunStage once per stage and sequence the
// unit's Plan declares; calls for one unit never overlap.
type Unit interface {
	Name() string
	Owner() stage.Owner
	// Plan is read when the unit's registration is applied.
	Plan() Plan
	RunStage(sc stage.Context, seq int) error
}

// UpdateCounter is implemented by units that queue dynamic or physics
// updates. The driver keeps re-running the update stages while any unit
// reports pending work, up to the configured threshold.
type UpdateCounter interface {
	PendingUpdates() int
}
