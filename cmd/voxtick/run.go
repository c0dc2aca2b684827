package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voxtick/server/internal/config"
	"github.com/voxtick/server/internal/core/event"
	"github.com/voxtick/server/internal/core/stage"
	"github.com/voxtick/server/internal/core/tick"
	"github.com/voxtick/server/internal/data"
	"github.com/voxtick/server/internal/persist"
	"github.com/voxtick/server/internal/scheduler"
	"github.com/voxtick/server/internal/scripting"
	"github.com/voxtick/server/internal/status"
	"github.com/voxtick/server/internal/world"
)

// statsPeriod is how often each world logs a summary, in ticks.
const statsPeriod = 200

// loadConfig reads path; a missing default config falls back to built-ins.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

func loadPriorities(cfg *config.Config) (*data.PriorityTable, error) {
	if cfg.Scheduler.PriorityTable == "" {
		return data.DefaultPriorityTable(), nil
	}
	return data.LoadPriorityTable(cfg.Scheduler.PriorityTable)
}

func runServer(parent context.Context, cfgPath string, explicit bool) error {
	cfg, err := loadConfig(cfgPath, explicit)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	out := os.Stdout
	printBanner(out, cfg.Server.Name)

	prios, err := loadPriorities(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var journal *persist.Journal
	if cfg.Journal.Enabled {
		printSection(out, "journal")
		db, err := openJournalDB(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer db.Close()
		journal = persist.NewJournal(db, cfg.Journal.QueueSize, log)
		printOK(out, fmt.Sprintf("%s journal ready", db.Dialect))
	}

	exec := tick.NewExecutor(cfg.Executor.Workers)
	defer exec.Close()

	printSection(out, "worlds")
	worlds := make([]*world.World, 0, len(cfg.Worlds))
	for _, wc := range cfg.Worlds {
		w := buildWorld(cfg, wc, exec, journal, log)
		worlds = append(worlds, w)
		printStat(out, wc.Name+" regions", len(world.Cube(world.RegionKey{}, wc.PreloadRadius)))
	}

	if cfg.Scripting.Enabled {
		printSection(out, "scripts")
		for _, w := range worlds {
			eng, err := scripting.NewEngine(cfg.Scripting.Dir, w, prios, log.With(zap.String("world", w.WorldName())))
			if err != nil {
				return fmt.Errorf("world %s: %w", w.WorldName(), err)
			}
			defer eng.Close()
		}
		printOK(out, "lua engines loaded from "+cfg.Scripting.Dir)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range worlds {
		w := w
		g.Go(func() error {
			err := w.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if cfg.Status.Enabled {
		feed := status.NewServer(cfg.Status, cfg.Server.Name, worlds, log)
		g.Go(func() error { return feed.ListenAndServe(gctx) })
		printReady(out, "status feed on "+cfg.Status.BindAddress)
	}
	printSection(out, "ready")
	for _, w := range worlds {
		printReady(out, fmt.Sprintf("%s ticking every %s", w.WorldName(), w.Driver().Rate()))
	}
	fmt.Fprintln(out)

	runErr := g.Wait()
	log.Info("shutting down", zap.Error(runErr))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	for _, w := range worlds {
		if err := w.Shutdown(shutdownCtx); err != nil {
			log.Warn("world shutdown incomplete", zap.String("world", w.WorldName()), zap.Error(err))
		}
	}
	if journal != nil {
		if err := journal.Close(shutdownCtx); err != nil {
			log.Warn("journal flush incomplete", zap.Error(err))
		}
		log.Info("journal closed", zap.Int64("written", journal.Written()), zap.Int64("dropped", journal.Dropped()))
	}
	log.Info("server stopped")
	return runErr
}

func openJournalDB(ctx context.Context, cfg *config.Config, log *zap.Logger) (*persist.DB, error) {
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := persist.Open(openCtx, cfg.Journal, log)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := persist.RunMigrations(openCtx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func buildWorld(cfg *config.Config, wc config.WorldConfig, exec *tick.Executor, journal *persist.Journal, log *zap.Logger) *world.World {
	w := world.New(world.Config{
		Name:       wc.Name,
		RegionSize: wc.RegionSize,
		Tick: tick.Config{
			Rate:            wc.TickRate,
			UpdateThreshold: wc.UpdateThreshold,
		},
		Scheduler: scheduler.Options{
			Resolution:    cfg.Scheduler.Resolution,
			AsyncPoolSize: cfg.Scheduler.AsyncPoolSize,
		},
	}, exec, log)

	w.Driver().AddReporter(tick.NewLogReporter(log, w.Driver().Rate()))
	if journal != nil {
		w.Driver().AddReporter(journal)
	}
	wlog := log.With(zap.String("world", wc.Name))
	event.Subscribe(w.Events(), func(ev world.EntityMigrated) {
		wlog.Debug("entity migrated", zap.Stringer("entity", ev.ID), zap.Stringer("from", ev.From), zap.Stringer("to", ev.To))
	})
	event.Subscribe(w.Events(), func(ev world.RegionUnloaded) {
		wlog.Info("region unloaded", zap.Stringer("region", ev.Key), zap.Int("entities", ev.Entities))
	})

	w.Preload(world.RegionKey{}, wc.PreloadRadius)
	if wc.SeedEntities > 0 {
		seedEntities(w, wc, wlog)
	}
	_, err := w.Scheduler().RunTaskTimerAsynchronously("stats", func(context.Context) error {
		logSummary(w, wlog)
		return nil
	}, statsPeriod, statsPeriod)
	if err != nil {
		wlog.Warn("stats task not scheduled", zap.Error(err))
	}
	return w
}

// seedEntities spawns wanderers on the first tick, spread over the preloaded cube.
func seedEntities(w *world.World, wc config.WorldConfig, log *zap.Logger) {
	_, err := w.Scheduler().RunTaskWithPriority("seed", func(ctx context.Context) error {
		sc, ok := stage.FromContext(ctx)
		if !ok {
			return errors.New("seed outside a tick")
		}
		rng := rand.New(rand.NewSource(int64(len(wc.Name)) + int64(wc.SeedEntities)))
		span := float64(2*wc.PreloadRadius+1) * wc.RegionSize
		lo := -float64(wc.PreloadRadius) * wc.RegionSize
		spawned := 0
		for i := 0; i < wc.SeedEntities; i++ {
			tr := world.Transform{
				Position: world.Vec3{X: lo + rng.Float64()*span, Y: lo + rng.Float64()*span, Z: lo + rng.Float64()*span},
				Velocity: world.Vec3{X: rng.Float64()*4 - 2, Y: 0, Z: rng.Float64()*4 - 2},
			}
			if _, err := w.Spawn(sc, fmt.Sprintf("wanderer-%d", i), tr); err != nil {
				log.Debug("seed spawn skipped", zap.Error(err))
				continue
			}
			spawned++
		}
		log.Info("seeded entities", zap.Int("count", spawned))
		return nil
	}, scheduler.Critical)
	if err != nil {
		log.Warn("seed task not scheduled", zap.Error(err))
	}
}

func logSummary(w *world.World, log *zap.Logger) {
	regions := w.Regions()
	entities, applied := 0, 0
	for _, r := range regions {
		st := r.Stats()
		entities += st.Entities
		applied += st.Applied
	}
	d := w.Driver()
	log.Info("world summary",
		zap.Uint64("tick", d.CurrentTick()),
		zap.Int("regions", len(regions)),
		zap.Int("entities", entities),
		zap.Int("updates", applied),
		zap.Int("tasks", len(w.Scheduler().PendingTasks())),
		zap.Duration("last_tick", d.LastTickDuration()),
		zap.Bool("overloaded", d.Overloaded()))
}

func runMigrate(ctx context.Context, cfgPath string, explicit bool) error {
	cfg, err := loadConfig(cfgPath, explicit)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	db, err := openJournalDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("journal migrations applied", zap.String("driver", db.Dialect))
	return nil
}

func printPriorities(w io.Writer, cfgPath string, explicit bool) error {
	cfg, err := loadConfig(cfgPath, explicit)
	if err != nil {
		return err
	}
	prios, err := loadPriorities(cfg)
	if err != nil {
		return err
	}
	printSection(w, "priorities")
	for _, p := range prios.All() {
		printStat(w, p.Name, fmt.Sprintf("%d ticks", p.MaxDeferred))
	}
	return nil
}
