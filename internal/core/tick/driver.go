package tick

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/voxtick/server/internal/core/stage"
)

const (
	// DefaultRate is one tick of simulated time.
	DefaultRate = 50 * time.Millisecond
	// DefaultUpdateThreshold bounds the dynamic-update/physics loop per tick.
	DefaultUpdateThreshold = 2000
)

// Heartbeater advances scheduled work at the start of every tick.
type Heartbeater interface {
	Heartbeat(sc stage.Context, deltaTicks int64)
}

type Config struct {
	Name            string
	Rate            time.Duration
	UpdateThreshold int
	// Owner is the owner of the driver goroutine itself (TICKSTART work).
	Owner stage.Owner
}

type change struct {
	unit Unit
	add  bool
}

type batch struct {
	seq   int
	units []Unit
}

// Driver runs the stage pipeline once per tick for one independently ticking
// domain. Per-stage unit work is fanned out to a shared Executor and joined
// before the next sequence or stage starts.
type Driver struct {
	cfg      Config
	exec     *Executor
	log      *zap.Logger
	tasks    Heartbeater
	clock    *Clock
	tickRest time.Duration

	current  atomic.Uint32
	tickNo   atomic.Uint64
	lastTook atomic.Int64
	unitN    atomic.Int32

	mu        sync.Mutex
	pending   []change
	onApply   func(added, removed []Unit)
	reporters []Reporter
	view      []Unit

	// driver goroutine only
	units    []Unit
	schedule [stage.Count][]batch
	halted   error

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewDriver(cfg Config, exec *Executor, log *zap.Logger) *Driver {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.UpdateThreshold <= 0 {
		cfg.UpdateThreshold = DefaultUpdateThreshold
	}
	if cfg.Owner == stage.NoOwner {
		cfg.Owner = stage.NewOwner()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{
		cfg:    cfg,
		exec:   exec,
		log:    log.With(zap.String("world", cfg.Name)),
		clock:  NewClock(nil),
		stopCh: make(chan struct{}),
	}
}

// SetHeartbeater installs the scheduler run at TICKSTART. Call before Run.
func (d *Driver) SetHeartbeater(h Heartbeater) { d.tasks = h }

// OnApply installs a hook called on the driver goroutine, between ticks,
// with the registrations that were just applied.
func (d *Driver) OnApply(fn func(added, removed []Unit)) {
	d.mu.Lock()
	d.onApply = fn
	d.mu.Unlock()
}

func (d *Driver) AddReporter(r Reporter) {
	d.mu.Lock()
	d.reporters = append(d.reporters, r)
	d.mu.Unlock()
}

func (d *Driver) Name() string        { return d.cfg.Name }
func (d *Driver) Owner() stage.Owner  { return d.cfg.Owner }
func (d *Driver) Rate() time.Duration { return d.cfg.Rate }
func (d *Driver) Stage() stage.Stage  { return stage.Stage(d.current.Load()) }
func (d *Driver) CurrentTick() uint64 { return d.tickNo.Load() }
func (d *Driver) UnitCount() int      { return int(d.unitN.Load()) }
func (d *Driver) LastTickDuration() time.Duration {
	return time.Duration(d.lastTook.Load())
}

// Overloaded reports whether the last tick took longer than the tick rate.
func (d *Driver) Overloaded() bool {
	return d.LastTickDuration() > d.cfg.Rate
}

// Units returns the units scheduled for the current tick.
func (d *Driver) Units() []Unit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Unit(nil), d.view...)
}

// Register queues u for addition; it joins the schedule before the next tick.
func (d *Driver) Register(u Unit) {
	d.mu.Lock()
	d.pending = append(d.pending, change{unit: u, add: true})
	d.mu.Unlock()
}

// Unregister queues u for removal; it leaves the schedule before the next tick,
// never while a stage barrier it is part of is still open.
func (d *Driver) Unregister(u Unit) {
	d.mu.Lock()
	d.pending = append(d.pending, change{unit: u})
	d.mu.Unlock()
}

func (d *Driver) applyPending() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	hook := d.onApply
	d.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	var added, removed []Unit
	for _, c := range pending {
		i := d.indexOf(c.unit)
		switch {
		case c.add && i < 0:
			d.units = append(d.units, c.unit)
			added = append(added, c.unit)
		case !c.add && i >= 0:
			d.units = append(d.units[:i], d.units[i+1:]...)
			removed = append(removed, c.unit)
		}
	}
	d.rebuild()
	d.unitN.Store(int32(len(d.units)))
	view := append([]Unit(nil), d.units...)
	d.mu.Lock()
	d.view = view
	d.mu.Unlock()
	if hook != nil && (len(added) > 0 || len(removed) > 0) {
		hook(added, removed)
	}
}

func (d *Driver) indexOf(u Unit) int {
	for i, x := range d.units {
		if x == u {
			return i
		}
	}
	return -1
}

func (d *Driver) rebuild() {
	for i := range d.schedule {
		st := stage.Stage(i)
		bySeq := make(map[int][]Unit)
		for _, u := range d.units {
			span := u.Plan().Span(st)
			if !span.Active {
				continue
			}
			for seq := span.Min; seq <= span.Max; seq++ {
				bySeq[seq] = append(bySeq[seq], u)
			}
		}
		batches := make([]batch, 0, len(bySeq))
		for seq, units := range bySeq {
			batches = append(batches, batch{seq: seq, units: units})
		}
		sort.Slice(batches, func(a, b int) bool { return batches[a].seq < batches[b].seq })
		d.schedule[i] = batches
	}
}

// Sequences returns the sequence numbers scheduled for st, in run order.
func (d *Driver) Sequences(st stage.Stage) []int {
	if !st.Valid() {
		return nil
	}
	out := make([]int, len(d.schedule[st]))
	for i, b := range d.schedule[st] {
		out[i] = b.seq
	}
	return out
}

// tickState is the bookkeeping of one tick in progress.
type tickState struct {
	rep        *Report
	structural error
}

// Tick runs one full pass of the stage pipeline with the given delta.
// It returns an error only for structural violations, after which the
// driver refuses to tick again.
func (d *Driver) Tick(delta time.Duration) error {
	if d.halted != nil {
		return d.halted
	}
	d.applyPending()

	start := time.Now()
	n := d.tickNo.Add(1)
	ts := &tickState{rep: &Report{World: d.cfg.Name, Tick: n, Delta: delta}}

	d.setStage(stage.TickStart)
	if d.tasks != nil {
		t0 := time.Now()
		d.tasks.Heartbeat(stage.New(stage.TickStart, d.cfg.Owner, n, delta), d.ticksFor(delta))
		ts.rep.Stages[stage.TickStart] += time.Since(t0)
	}

	ok := d.runStage(ts, stage.TickStart) &&
		d.runStage(ts, stage.Stage1) &&
		d.runStage(ts, stage.Stage2Parallel) &&
		d.converge(ts) &&
		d.runStage(ts, stage.Lighting) &&
		d.runStage(ts, stage.Finalize) &&
		d.runStage(ts, stage.PreSnapshot) &&
		d.runStage(ts, stage.Snapshot)

	took := time.Since(start)
	d.lastTook.Store(int64(took))
	ts.rep.Duration = took
	if !ok {
		ts.rep.Halted = true
		d.halted = fmt.Errorf("world %s halted at tick %d: %w", d.cfg.Name, n, ts.structural)
		d.log.Error("tick halted by stage violation", zap.Uint64("tick", n), zap.Error(ts.structural))
	}
	d.report(ts.rep)
	return d.halted
}

// converge repeats the dynamic-update and physics stages until no unit
// reports pending updates or the update threshold is exceeded.
func (d *Driver) converge(ts *tickState) bool {
	total := 0
	for {
		ts.rep.Iterations++
		if !d.runStage(ts, stage.LocalDynamicUpdates) || !d.runStage(ts, stage.GlobalDynamicUpdates) {
			return false
		}
		if !d.runStage(ts, stage.LocalPhysics) || !d.runStage(ts, stage.GlobalPhysics) {
			return false
		}
		pending := d.pendingUpdates()
		if pending == 0 {
			break
		}
		total += pending
		if total > d.cfg.UpdateThreshold {
			ts.rep.ThresholdExceeded = true
			d.log.Warn("update threshold exceeded, propagation cut short",
				zap.Uint64("tick", ts.rep.Tick),
				zap.Int("updates", total),
				zap.Int("threshold", d.cfg.UpdateThreshold),
				zap.Int("iterations", ts.rep.Iterations))
			break
		}
	}
	ts.rep.Updates = total
	return true
}

func (d *Driver) pendingUpdates() int {
	n := 0
	for _, u := range d.units {
		if c, ok := u.(UpdateCounter); ok {
			n += c.PendingUpdates()
		}
	}
	return n
}

// runStage executes every sequence of st and reports false if a structural
// violation occurred.
func (d *Driver) runStage(ts *tickState, st stage.Stage) bool {
	d.setStage(st)
	batches := d.schedule[st]
	if len(batches) == 0 {
		return true
	}
	t0 := time.Now()
	defer func() { ts.rep.Stages[st] += time.Since(t0) }()

	base := stage.New(st, stage.NoOwner, ts.rep.Tick, ts.rep.Delta)
	for _, b := range batches {
		fns := make([]func() error, len(b.units))
		for i, u := range b.units {
			u, sc, seq := u, base.WithOwner(u.Owner()), b.seq
			fns[i] = func() error { return u.RunStage(sc, seq) }
		}
		errs, err := d.exec.InvokeAll(fns)
		if err != nil {
			ts.structural = multierr.Append(ts.structural, err)
			return false
		}
		if multierr.Combine(errs...) == nil {
			continue
		}
		for i, err := range errs {
			if err == nil {
				continue
			}
			u := b.units[i]
			ts.rep.Failures = append(ts.rep.Failures, Failure{Stage: st, Sequence: b.seq, Unit: u.Name(), Err: err})
			if stage.IsAccessError(err) {
				ts.structural = multierr.Append(ts.structural, fmt.Errorf("unit %s: %w", u.Name(), err))
				continue
			}
			d.log.Warn("stage work failed",
				zap.Uint64("tick", ts.rep.Tick),
				zap.Stringer("stage", st),
				zap.Int("seq", b.seq),
				zap.String("unit", u.Name()),
				zap.Error(err))
		}
		if ts.structural != nil {
			return false
		}
	}
	return true
}

func (d *Driver) setStage(st stage.Stage) { d.current.Store(uint32(st)) }

// ticksFor converts a millisecond delta into whole scheduler ticks, carrying
// the remainder into the next call.
func (d *Driver) ticksFor(delta time.Duration) int64 {
	total := delta + d.tickRest
	n := int64(total / d.cfg.Rate)
	d.tickRest = total - time.Duration(n)*d.cfg.Rate
	return n
}

func (d *Driver) report(r *Report) {
	d.mu.Lock()
	reporters := d.reporters
	d.mu.Unlock()
	for _, rep := range reporters {
		rep.ReportTick(r)
	}
}

// Run ticks at the configured rate until ctx is done, Stop is called, or a
// structural violation halts the driver.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Rate)
	defer ticker.Stop()
	d.clock.Reset()
	d.log.Info("world thread started", zap.Duration("rate", d.cfg.Rate))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			d.log.Info("world thread stopped", zap.Uint64("tick", d.CurrentTick()))
			return nil
		case <-ticker.C:
			if err := d.Tick(d.clock.Delta()); err != nil {
				return err
			}
		}
	}
}

// Stop ends Run after the tick in progress.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}
