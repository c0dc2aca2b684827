package persist

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/voxtick/server/internal/core/tick"
)

// TickRecord is one journalled tick report.
type TickRecord struct {
	World             string
	Tick              uint64
	Delta             time.Duration
	Duration          time.Duration
	Iterations        int
	Updates           int
	ThresholdExceeded bool
	Halted            bool
	Failures          []FailureRecord
}

type FailureRecord struct {
	Stage    string
	Sequence int
	Unit     string
	Error    string
}

func recordOf(r *tick.Report) TickRecord {
	rec := TickRecord{
		World:             r.World,
		Tick:              r.Tick,
		Delta:             r.Delta,
		Duration:          r.Duration,
		Iterations:        r.Iterations,
		Updates:           r.Updates,
		ThresholdExceeded: r.ThresholdExceeded,
		Halted:            r.Halted,
	}
	for _, f := range r.Failures {
		rec.Failures = append(rec.Failures, FailureRecord{
			Stage:    f.Stage.String(),
			Sequence: f.Sequence,
			Unit:     f.Unit,
			Error:    f.Err.Error(),
		})
	}
	return rec
}

// Journal records tick reports in the database. ReportTick never blocks the
// driver: when the write queue is full the report is dropped and counted.
type Journal struct {
	db  *DB
	log *zap.Logger
	ch  chan TickRecord

	written atomic.Int64
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func NewJournal(db *DB, queueSize int, log *zap.Logger) *Journal {
	j := newJournal(db, queueSize, log)
	j.start()
	return j
}

func newJournal(db *DB, queueSize int, log *zap.Logger) *Journal {
	if queueSize < 1 {
		queueSize = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{
		db:   db,
		log:  log.Named("journal"),
		ch:   make(chan TickRecord, queueSize),
		done: make(chan struct{}),
	}
}

func (j *Journal) start() { go j.loop() }

// ReportTick implements tick.Reporter.
func (j *Journal) ReportTick(r *tick.Report) {
	rec := recordOf(r)
	select {
	case j.ch <- rec:
	default:
		if j.dropped.Add(1)%100 == 1 {
			j.log.Warn("journal queue full, dropping reports", zap.Int64("dropped", j.dropped.Load()))
		}
	}
}

func (j *Journal) Written() int64 { return j.written.Load() }
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

func (j *Journal) loop() {
	defer close(j.done)
	for rec := range j.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := j.write(ctx, rec)
		cancel()
		if err != nil {
			j.log.Error("journal write failed",
				zap.String("world", rec.World),
				zap.Uint64("tick", rec.Tick),
				zap.Error(err))
			continue
		}
		j.written.Add(1)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (j *Journal) write(ctx context.Context, rec TickRecord) error {
	tx, err := j.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, j.db.rebind(
		`INSERT INTO tick_reports (world, tick, delta_ms, duration_us, iterations, updates, threshold_exceeded, halted, failures)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.World, int64(rec.Tick), rec.Delta.Milliseconds(), rec.Duration.Microseconds(),
		rec.Iterations, rec.Updates, boolInt(rec.ThresholdExceeded), boolInt(rec.Halted), len(rec.Failures),
	); err != nil {
		return fmt.Errorf("insert tick report: %w", err)
	}
	for _, f := range rec.Failures {
		if _, err := tx.ExecContext(ctx, j.db.rebind(
			`INSERT INTO stage_failures (world, tick, stage, seq, unit, error) VALUES (?, ?, ?, ?, ?, ?)`),
			rec.World, int64(rec.Tick), f.Stage, f.Sequence, f.Unit, f.Error,
		); err != nil {
			return fmt.Errorf("insert stage failure: %w", err)
		}
	}
	return tx.Commit()
}

// Close stops accepting reports and waits until queued ones are written.
// Reports must not be sent after Close.
func (j *Journal) Close(ctx context.Context) error {
	j.closeOnce.Do(func() { close(j.ch) })
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent returns up to limit reports of world, newest first. Failures are
// not loaded.
func (j *Journal) Recent(ctx context.Context, world string, limit int) ([]TickRecord, error) {
	rows, err := j.db.SQL.QueryContext(ctx, j.db.rebind(
		`SELECT tick, delta_ms, duration_us, iterations, updates, threshold_exceeded, halted
		 FROM tick_reports WHERE world = ? ORDER BY tick DESC LIMIT ?`), world, limit)
	if err != nil {
		return nil, fmt.Errorf("query tick reports: %w", err)
	}
	defer rows.Close()

	var out []TickRecord
	for rows.Next() {
		var (
			tickNo, deltaMs, durUs int64
			exceeded, halted       int
			rec                    = TickRecord{World: world}
		)
		if err := rows.Scan(&tickNo, &deltaMs, &durUs, &rec.Iterations, &rec.Updates, &exceeded, &halted); err != nil {
			return nil, fmt.Errorf("scan tick report: %w", err)
		}
		rec.Tick = uint64(tickNo)
		rec.Delta = time.Duration(deltaMs) * time.Millisecond
		rec.Duration = time.Duration(durUs) * time.Microsecond
		rec.ThresholdExceeded = exceeded != 0
		rec.Halted = halted != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FailuresAt returns the stage failures journalled for one tick.
func (j *Journal) FailuresAt(ctx context.Context, world string, tickNo uint64) ([]FailureRecord, error) {
	rows, err := j.db.SQL.QueryContext(ctx, j.db.rebind(
		`SELECT stage, seq, unit, error FROM stage_failures WHERE world = ? AND tick = ? ORDER BY id`),
		world, int64(tickNo))
	if err != nil {
		return nil, fmt.Errorf("query stage failures: %w", err)
	}
	defer rows.Close()

	var out []FailureRecord
	for rows.Next() {
		var f FailureRecord
		if err := rows.Scan(&f.Stage, &f.Sequence, &f.Unit, &f.Error); err != nil {
			return nil, fmt.Errorf("scan stage failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
