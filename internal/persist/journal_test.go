package persist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxtick/server/internal/config"
	"github.com/voxtick/server/internal/core/stage"
	"github.com/voxtick/server/internal/core/tick"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, config.JournalConfig{Driver: DialectSQLite, DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, RunMigrations(ctx, db))
	return db
}

func TestJournal_WritesReports(t *testing.T) {
	db := openTestDB(t)
	j := NewJournal(db, 16, zap.NewNop())

	for i := uint64(1); i <= 3; i++ {
		j.ReportTick(&tick.Report{
			World:      "overworld",
			Tick:       i,
			Delta:      50 * time.Millisecond,
			Duration:   3 * time.Millisecond,
			Iterations: int(i),
			Updates:    int(i * 10),
		})
	}
	j.ReportTick(&tick.Report{
		World:             "overworld",
		Tick:              4,
		ThresholdExceeded: true,
		Failures: []tick.Failure{
			{Stage: stage.LocalPhysics, Sequence: 0, Unit: "region/0,0,0", Err: errors.New("boom")},
		},
	})
	ctx := context.Background()
	require.NoError(t, j.Close(ctx))
	assert.EqualValues(t, 4, j.Written())
	assert.Zero(t, j.Dropped())

	recs, err := j.Recent(ctx, "overworld", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.EqualValues(t, 4, recs[0].Tick)
	assert.True(t, recs[0].ThresholdExceeded)
	assert.EqualValues(t, 3, recs[1].Tick)
	assert.Equal(t, 30, recs[1].Updates)
	assert.Equal(t, 50*time.Millisecond, recs[1].Delta)

	fails, err := j.FailuresAt(ctx, "overworld", 4)
	require.NoError(t, err)
	assert.Equal(t, []FailureRecord{{Stage: "LOCAL_PHYSICS", Sequence: 0, Unit: "region/0,0,0", Error: "boom"}}, fails)
}

func TestJournal_DropsWhenFull(t *testing.T) {
	db := openTestDB(t)
	j := newJournal(db, 1, zap.NewNop())

	// GIVEN no writer draining the queue, only the first report fits
	for i := uint64(1); i <= 3; i++ {
		j.ReportTick(&tick.Report{World: "w", Tick: i})
	}
	assert.EqualValues(t, 2, j.Dropped())

	// WHEN the writer starts, the queued report is persisted
	j.start()
	require.NoError(t, j.Close(context.Background()))
	assert.EqualValues(t, 1, j.Written())
}

func TestRebind(t *testing.T) {
	pg := &DB{Dialect: DialectPostgres}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))
	lite := &DB{Dialect: DialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.JournalConfig{Driver: "mysql"}, nil)
	assert.Error(t, err)
}
