package stage

// Stage defines execution ordering within a single tick.
type Stage uint8

const (
	TickStart            Stage = iota // 0: scheduler heartbeat
	Stage1                            // 1: per-unit pre-update
	Stage2Parallel                    // 2: parallel-capable pre-update
	LocalDynamicUpdates               // 3: unit-local block/dynamic updates
	GlobalDynamicUpdates              // 4: updates touching neighbours
	LocalPhysics                      // 5: unit-local physics
	GlobalPhysics                     // 6: physics touching neighbours
	Lighting                          // 7: light propagation
	Finalize                          // 8: cross-unit migrations
	PreSnapshot                       // 9: monitor, consistency checks only
	Snapshot                          // 10: live -> snapshot copy, purge

	// Count is the number of stages.
	Count = int(Snapshot) + 1
)

var names = [Count]string{
	"TICKSTART",
	"STAGE1",
	"STAGE2_PARALLEL",
	"LOCAL_DYNAMIC_UPDATES",
	"GLOBAL_DYNAMIC_UPDATES",
	"LOCAL_PHYSICS",
	"GLOBAL_PHYSICS",
	"LIGHTING",
	"FINALIZE",
	"PRE_SNAPSHOT",
	"SNAPSHOT",
}

// All returns every stage in execution order.
func All() []Stage {
	out := make([]Stage, Count)
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}

func (s Stage) String() string {
	if s.Valid() {
		return names[s]
	}
	return "UNKNOWN"
}

func (s Stage) Valid() bool { return int(s) < Count }

// Mask returns the stage's unique bit.
func (s Stage) Mask() Mask { return 1 << s }

// IsMonitor reports whether live state is frozen during s.
func (s Stage) IsMonitor() bool { return Monitor.Has(s) }

// Mask is a set of stages, one bit per stage.
type Mask uint32

const (
	AllStages Mask = 1<<Count - 1
	// Monitor stages may not mutate live state; SNAPSHOT only transfers live -> snapshot.
	Monitor Mask = 1<<PreSnapshot | 1<<Snapshot
	// Mutable covers every stage before PRE_SNAPSHOT.
	Mutable = AllStages &^ Monitor
)

// Of builds a mask from stages.
func Of(stages ...Stage) Mask {
	var m Mask
	for _, s := range stages {
		m |= s.Mask()
	}
	return m
}

func (m Mask) Has(s Stage) bool    { return s.Valid() && m&s.Mask() != 0 }
func (m Mask) Union(o Mask) Mask   { return m | o }
func (m Mask) Without(o Mask) Mask { return m &^ o }
func (m Mask) Empty() bool         { return m == 0 }

// Stages lists the stages in m in execution order.
func (m Mask) Stages() []Stage {
	var out []Stage
	for i := 0; i < Count; i++ {
		if m&(1<<i) != 0 {
			out = append(out, Stage(i))
		}
	}
	return out
}

func (m Mask) String() string {
	if m == 0 {
		return "[]"
	}
	buf := []byte{'['}
	for i, s := range m.Stages() {
		if i > 0 {
			buf = append(buf, '|')
		}
		buf = append(buf, s.String()...)
	}
	return string(append(buf, ']'))
}
