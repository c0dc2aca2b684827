package tick

import (
	"time"

	"go.uber.org/zap"

	"github.com/voxtick/server/internal/core/stage"
)

// Failure is one unit's stage work returning an error or panicking.
type Failure struct {
	Stage    stage.Stage
	Sequence int
	Unit     string
	Err      error
}

// Report describes one completed (or halted) tick.
type Report struct {
	World    string
	Tick     uint64
	Delta    time.Duration
	Duration time.Duration
	Stages   [stage.Count]time.Duration

	// Iterations of the dynamic-update/physics loop and the updates they queued.
	Iterations        int
	Updates           int
	ThresholdExceeded bool

	Failures []Failure
	Halted   bool
}

// Reporter receives every tick's report on the driver goroutine.
// Implementations must not block.
type Reporter interface {
	ReportTick(r *Report)
}

// Slowest returns the stage that took longest this tick.
func (r *Report) Slowest() (stage.Stage, time.Duration) {
	var (
		slow stage.Stage
		took time.Duration
	)
	for i, d := range r.Stages {
		if d > took {
			slow, took = stage.Stage(i), d
		}
	}
	return slow, took
}

// LogReporter logs ticks that overran their budget.
type LogReporter struct {
	log    *zap.Logger
	budget time.Duration
}

func NewLogReporter(log *zap.Logger, budget time.Duration) *LogReporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogReporter{log: log, budget: budget}
}

func (l *LogReporter) ReportTick(r *Report) {
	if r.Duration <= l.budget {
		return
	}
	slow, took := r.Slowest()
	l.log.Warn("tick overran",
		zap.String("world", r.World),
		zap.Uint64("tick", r.Tick),
		zap.Duration("took", r.Duration),
		zap.Duration("budget", l.budget),
		zap.Stringer("slowest_stage", slow),
		zap.Duration("slowest_took", took),
		zap.Int("failures", len(r.Failures)))
}
