package scripting

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/voxtick/server/internal/core/ecs"
	"github.com/voxtick/server/internal/core/stage"
	"github.com/voxtick/server/internal/data"
	"github.com/voxtick/server/internal/scheduler"
	"github.com/voxtick/server/internal/world"
)

var errOutsideTick = errors.New("lua callback outside a tick")

// Engine wraps one gopher-lua VM bound to one world. Scripts schedule work
// through the `scheduler` table; every callback runs as a sync task on the
// world's driver goroutine, so the VM is never entered concurrently once
// loading is done.
type Engine struct {
	vm    *lua.LState
	log   *zap.Logger
	world *world.World
	prios *data.PriorityTable
	owner string

	// valid while a callback runs
	sc     stage.Context
	inTick bool
}

// NewEngine creates a Lua engine for w and loads all scripts from dir.
func NewEngine(dir string, w *world.World, prios *data.PriorityTable, log *zap.Logger) (*Engine, error) {
	if prios == nil {
		prios = data.DefaultPriorityTable()
	}
	if log == nil {
		log = zap.NewNop()
	}
	vm := lua.NewState(lua.Options{SkipOpenLibs: false})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{
		vm:    vm,
		log:   log.Named("lua"),
		world: w,
		prios: prios,
		owner: "lua:" + w.WorldName(),
	}
	e.register()

	if err := e.loadDir(dir); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load scripts: %w", err)
	}
	for _, sub := range []string{"core", "world"} {
		if err := e.loadDir(filepath.Join(dir, sub)); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load %s scripts: %w", sub, err)
		}
	}
	return e, nil
}

// loadDir loads all .lua files in a directory in name order.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// DoString runs a chunk. Call only before the world starts ticking or from
// inside a callback.
func (e *Engine) DoString(src string) error { return e.vm.DoString(src) }

// Global reads a global variable, for inspection.
func (e *Engine) Global(name string) lua.LValue { return e.vm.GetGlobal(name) }

// Owner is the task owner of everything scheduled by scripts.
func (e *Engine) Owner() string { return e.owner }

// Close cancels script tasks and releases the VM. The world must no longer
// be ticking.
func (e *Engine) Close() {
	n := e.world.Scheduler().CancelTasks(e.owner)
	e.log.Debug("lua engine closed", zap.Int("cancelled", n))
	e.vm.Close()
}

func (e *Engine) register() {
	sched := e.vm.NewTable()
	e.vm.SetFuncs(sched, map[string]lua.LGFunction{
		"run":       e.luaRun,
		"run_later": e.luaRunLater,
		"run_timer": e.luaRunTimer,
		"cancel":    e.luaCancel,
		"uptime":    e.luaUptime,
	})
	e.vm.SetGlobal("scheduler", sched)

	w := e.vm.NewTable()
	e.vm.SetFuncs(w, map[string]lua.LGFunction{
		"name":         func(L *lua.LState) int { L.Push(lua.LString(e.world.WorldName())); return 1 },
		"tick":         func(L *lua.LState) int { L.Push(lua.LNumber(e.world.Driver().CurrentTick())); return 1 },
		"entity_count": func(L *lua.LState) int { L.Push(lua.LNumber(e.world.EntityCount())); return 1 },
		"entities":     e.luaEntities,
		"spawn":        e.luaSpawn,
		"remove":       e.luaRemove,
	})
	e.vm.SetGlobal("world", w)

	logt := e.vm.NewTable()
	e.vm.SetFuncs(logt, map[string]lua.LGFunction{
		"info":  func(L *lua.LState) int { e.log.Info(L.CheckString(1)); return 0 },
		"warn":  func(L *lua.LState) int { e.log.Warn(L.CheckString(1)); return 0 },
		"debug": func(L *lua.LState) int { e.log.Debug(L.CheckString(1)); return 0 },
	})
	e.vm.SetGlobal("log", logt)
}

// callback wraps a Lua function as sync task work.
func (e *Engine) callback(fn *lua.LFunction) scheduler.Work {
	return func(ctx context.Context) error {
		sc, ok := stage.FromContext(ctx)
		if !ok {
			return errOutsideTick
		}
		e.sc, e.inTick = sc, true
		defer func() { e.inTick = false }()
		return e.vm.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
	}
}

func (e *Engine) priorityArg(L *lua.LState, n int) scheduler.Priority {
	if L.GetTop() < n || L.Get(n) == lua.LNil {
		return scheduler.Normal
	}
	return e.prios.Lookup(L.CheckString(n))
}

func pushTask(L *lua.LState, t *scheduler.Task, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(t.ID()))
	return 1
}

// scheduler.run(fn [, priority]) -> id
func (e *Engine) luaRun(L *lua.LState) int {
	fn := L.CheckFunction(1)
	t, err := e.world.Scheduler().RunTaskWithPriority(e.owner, e.callback(fn), e.priorityArg(L, 2))
	return pushTask(L, t, err)
}

// scheduler.run_later(delay, fn [, priority]) -> id
func (e *Engine) luaRunLater(L *lua.LState) int {
	delay := L.CheckInt64(1)
	fn := L.CheckFunction(2)
	t, err := e.world.Scheduler().RunTaskLater(e.owner, e.callback(fn), delay, e.priorityArg(L, 3))
	return pushTask(L, t, err)
}

// scheduler.run_timer(delay, period, fn [, priority]) -> id
// A period <= 0 runs fn once.
func (e *Engine) luaRunTimer(L *lua.LState) int {
	delay := L.CheckInt64(1)
	period := L.CheckInt64(2)
	fn := L.CheckFunction(3)
	t, err := e.world.Scheduler().RunTaskTimer(e.owner, e.callback(fn), delay, period, e.priorityArg(L, 4))
	return pushTask(L, t, err)
}

func (e *Engine) luaCancel(L *lua.LState) int {
	L.Push(lua.LBool(e.world.Scheduler().Cancel(L.CheckInt64(1))))
	return 1
}

func (e *Engine) luaUptime(L *lua.LState) int {
	L.Push(lua.LNumber(e.world.Scheduler().UpTime()))
	return 1
}

// world.entities() -> { id, ... } of live entities not marked removed
func (e *Engine) luaEntities(L *lua.LState) int {
	t := L.NewTable()
	for _, ent := range e.world.LiveEntities() {
		if !ent.Removed() {
			t.Append(lua.LString(ent.ID().String()))
		}
	}
	L.Push(t)
	return 1
}

// world.spawn(name, x, y, z [, vx, vy, vz]) -> id | nil, err
func (e *Engine) luaSpawn(L *lua.LState) int {
	if !e.inTick {
		L.RaiseError("world.spawn: %s", errOutsideTick)
		return 0
	}
	name := L.CheckString(1)
	tr := world.Transform{
		Position: world.Vec3{X: float64(L.CheckNumber(2)), Y: float64(L.CheckNumber(3)), Z: float64(L.CheckNumber(4))},
		Velocity: world.Vec3{X: float64(L.OptNumber(5, 0)), Y: float64(L.OptNumber(6, 0)), Z: float64(L.OptNumber(7, 0))},
	}
	ent, err := e.world.Spawn(e.sc, name, tr)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(ent.ID().String()))
	return 1
}

// world.remove(id) -> bool
func (e *Engine) luaRemove(L *lua.LState) int {
	if !e.inTick {
		L.RaiseError("world.remove: %s", errOutsideTick)
		return 0
	}
	raw, err := strconv.ParseUint(L.CheckString(1), 10, 64)
	if err != nil {
		L.ArgError(1, "bad entity id")
		return 0
	}
	ent, ok := e.world.Entity(ecs.EntityID(raw))
	if !ok {
		L.Push(lua.LFalse)
		return 1
	}
	if err := ent.MarkRemoved(e.sc); err != nil {
		L.RaiseError("world.remove: %s", err)
		return 0
	}
	L.Push(lua.LTrue)
	return 1
}
