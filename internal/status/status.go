package status

import (
	"time"

	"github.com/voxtick/server/internal/world"
)

// WorldStatus describes one world as seen through its snapshots.
type WorldStatus struct {
	Name          string  `json:"name"`
	Tick          uint64  `json:"tick"`
	Stage         string  `json:"stage"`
	UpTime        int64   `json:"uptime"`
	PendingTasks  int     `json:"pending_tasks"`
	ActiveWorkers int     `json:"active_workers"`
	Regions       int     `json:"regions"`
	Entities      int     `json:"entities"`
	Changed       int     `json:"entities_changed"`
	Events        int     `json:"events"`
	LastTickMs    float64 `json:"last_tick_ms"`
	Overloaded    bool    `json:"overloaded"`
}

// Status is one message of the feed.
type Status struct {
	Server string        `json:"server"`
	Time   time.Time     `json:"time"`
	Worlds []WorldStatus `json:"worlds"`
}

// Collect builds a status from snapshot state only; it is safe to call from
// any goroutine while worlds tick.
func Collect(server string, worlds []*world.World) Status {
	st := Status{Server: server, Time: time.Now().UTC(), Worlds: make([]WorldStatus, 0, len(worlds))}
	for _, w := range worlds {
		d := w.Driver()
		regions := w.Regions()
		entities, changed := 0, 0
		for _, r := range regions {
			v := r.View()
			entities += v.Entities
			changed += v.Changed
		}
		st.Worlds = append(st.Worlds, WorldStatus{
			Name:          w.WorldName(),
			Tick:          d.CurrentTick(),
			Stage:         d.Stage().String(),
			UpTime:        w.Scheduler().UpTime(),
			PendingTasks:  len(w.Scheduler().PendingTasks()),
			ActiveWorkers: len(w.Scheduler().ActiveWorkers()),
			Regions:       len(regions),
			Entities:      entities,
			Changed:       changed,
			Events:        w.EventsLastTick(),
			LastTickMs:    float64(d.LastTickDuration().Microseconds()) / 1000,
			Overloaded:    d.Overloaded(),
		})
	}
	return st
}
