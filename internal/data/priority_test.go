package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtick/server/internal/scheduler"
)

func TestDefaultPriorityTable(t *testing.T) {
	tbl := DefaultPriorityTable()
	assert.Equal(t, 8, tbl.Count())
	p, ok := tbl.Get("critical")
	require.True(t, ok)
	assert.Equal(t, scheduler.Critical, p)
	assert.Equal(t, scheduler.Critical, tbl.All()[0])
}

func TestParsePriorityTable_Overrides(t *testing.T) {
	tbl, err := ParsePriorityTable([]byte(`
- name: normal
  max_deferred_ticks: 5
- name: background
  max_deferred_ticks: 200
  note: chunk saving
`))
	require.NoError(t, err)
	assert.Equal(t, 9, tbl.Count())
	assert.Equal(t, scheduler.Priority{Name: "NORMAL", MaxDeferred: 5}, tbl.Lookup("Normal"))
	assert.EqualValues(t, 200, tbl.Lookup("BACKGROUND").MaxDeferred)
	assert.EqualValues(t, 5, tbl.Lookup("nonsense").MaxDeferred, "unknown names fall back to NORMAL")

	all := tbl.All()
	assert.Equal(t, "BACKGROUND", all[len(all)-1].Name)
}

func TestParsePriorityTable_Rejects(t *testing.T) {
	_, err := ParsePriorityTable([]byte(`- max_deferred_ticks: 1`))
	assert.Error(t, err)
	_, err = ParsePriorityTable([]byte(`- {name: x, max_deferred_ticks: -1}`))
	assert.Error(t, err)
	_, err = ParsePriorityTable([]byte(`{not a list`))
	assert.Error(t, err)
}

func TestLoadPriorityTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "priorities.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- name: lowest\n  max_deferred_ticks: 100\n"), 0o644))
	tbl, err := LoadPriorityTable(path)
	require.NoError(t, err)
	assert.EqualValues(t, 100, tbl.Lookup("lowest").MaxDeferred)
}
