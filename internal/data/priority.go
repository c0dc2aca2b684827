package data

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/voxtick/server/internal/scheduler"
)

// PriorityEntry is one row of priorities.yaml.
type PriorityEntry struct {
	Name        string `yaml:"name"`
	MaxDeferred int64  `yaml:"max_deferred_ticks"`
	Note        string `yaml:"note"`
}

// PriorityTable maps priority names to deferral budgets.
type PriorityTable struct {
	byName map[string]scheduler.Priority
}

// DefaultPriorityTable holds the built-in scheduler levels.
func DefaultPriorityTable() *PriorityTable {
	t := &PriorityTable{byName: make(map[string]scheduler.Priority)}
	for _, p := range scheduler.Priorities() {
		t.byName[p.Name] = p
	}
	return t
}

// LoadPriorityTable loads priorities.yaml. Entries override or extend the
// built-in levels.
func LoadPriorityTable(path string) (*PriorityTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read priority table: %w", err)
	}
	return ParsePriorityTable(raw)
}

func ParsePriorityTable(raw []byte) (*PriorityTable, error) {
	var entries []PriorityEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse priority table: %w", err)
	}
	t := DefaultPriorityTable()
	for i, e := range entries {
		name := strings.ToUpper(strings.TrimSpace(e.Name))
		if name == "" {
			return nil, fmt.Errorf("priority table entry %d: missing name", i)
		}
		if e.MaxDeferred < 0 {
			return nil, fmt.Errorf("priority %s: negative max_deferred_ticks", name)
		}
		t.byName[name] = scheduler.Priority{Name: name, MaxDeferred: e.MaxDeferred}
	}
	return t, nil
}

// Get looks a priority up by name, case-insensitively.
func (t *PriorityTable) Get(name string) (scheduler.Priority, bool) {
	p, ok := t.byName[strings.ToUpper(name)]
	return p, ok
}

// Lookup is Get falling back to NORMAL.
func (t *PriorityTable) Lookup(name string) scheduler.Priority {
	if p, ok := t.Get(name); ok {
		return p
	}
	if p, ok := t.byName[scheduler.Normal.Name]; ok {
		return p
	}
	return scheduler.Normal
}

// All returns the priorities ordered by deferral budget, then name.
func (t *PriorityTable) All() []scheduler.Priority {
	out := make([]scheduler.Priority, 0, len(t.byName))
	for _, p := range t.byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MaxDeferred != out[j].MaxDeferred {
			return out[i].MaxDeferred < out[j].MaxDeferred
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (t *PriorityTable) Count() int { return len(t.byName) }
