package rundb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolotrain/pkg/yolo"
	"github.com/stretchr/testify/require"
)

func createTestDB(t *testing.T) *RunDB {
	db, err := OpenSqlite(logs.NewTestingLog(t), filepath.Join(t.TempDir(), "runs.sqlite"))
	require.NoError(t, err)
	return db
}

func TestStartRun(t *testing.T) {
	db := createTestDB(t)
	config := map[string]any{"epochs": 100}

	a, err := db.StartRun("overfit", config, true)
	require.NoError(t, err)
	require.Equal(t, `{"epochs":100}`, a.Config)

	b, err := db.StartRun("overfit", config, true)
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)

	c, err := db.StartRun("overfit", config, false)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, c.ID)

	d, err := db.StartRun("overfit", config, true)
	require.NoError(t, err)
	require.Equal(t, c.ID, d.ID)
}

func TestEpochStats(t *testing.T) {
	db := createTestDB(t)
	run, err := db.StartRun("r", nil, false)
	require.NoError(t, err)

	last, err := db.LastEpoch(run.ID)
	require.NoError(t, err)
	require.Equal(t, -1, last)

	parts := yolo.LossParts{Box: 1, Object: 2, NoObject: 3, Class: 4, Total: 10}
	require.NoError(t, db.RecordEpoch(run.ID, 0, 10, parts, time.Second))
	require.NoError(t, db.RecordEpoch(run.ID, 1, 8, parts, time.Second))
	// Re-running an epoch (eg after a resume) replaces it
	require.NoError(t, db.RecordEpoch(run.ID, 1, 7, parts, 2*time.Second))

	stats, err := db.EpochStats(run.ID)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, float32(7), stats[1].MeanLoss)
	require.EqualValues(t, 2000, stats[1].DurationMS)
	require.Equal(t, parts, stats[0].LossParts.Data)

	last, err = db.LastEpoch(run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, last)
}

func TestEvaluations(t *testing.T) {
	db := createTestDB(t)
	run, err := db.StartRun("r", nil, false)
	require.NoError(t, err)

	best, err := db.BestEvaluation(run.ID)
	require.NoError(t, err)
	require.Nil(t, best)

	for i, m := range []float32{0.1, 0.5, 0.3} {
		_, err := db.RecordEvaluation(run.ID, i*10, m, "ck"+string(rune('a'+i)))
		require.NoError(t, err)
	}
	best, err = db.BestEvaluation(run.ID)
	require.NoError(t, err)
	require.Equal(t, 10, best.Epoch)

	require.NoError(t, db.MarkCheckpointsDeleted(run.ID, []string{"cka", "ckb"}))
	best, err = db.BestEvaluation(run.ID)
	require.NoError(t, err)
	require.Equal(t, 20, best.Epoch)

	evals, err := db.Evaluations(run.ID)
	require.NoError(t, err)
	require.Len(t, evals, 3)
	require.True(t, evals[0].Deleted)
	require.True(t, evals[1].Deleted)
	require.False(t, evals[2].Deleted)
	require.InDelta(t, 0.5, evals[1].MAP, 1e-6)
}
