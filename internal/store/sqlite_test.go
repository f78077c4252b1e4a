package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/resilience"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "clearwater.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func square(x, y, d float64) orb.MultiPolygon {
	return orb.MultiPolygon{{{{x, y}, {x + d, y}, {x + d, y + d}, {x, y + d}, {x, y}}}}
}

func TestSQLite_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	run, err := s.CreateRun(ctx, "bay.geojson")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, run.Status)

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, model.RunStatusSelecting))
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSelecting, got.Status)
	assert.Nil(t, got.Summary)

	summary := &model.RunSummary{
		RunID: run.ID,
		AOI:   "bay.geojson",
		Mode:  model.ModeOffline,
		Tiles: []model.TileSummary{{TileID: "r0000c0000", NScenes: 3, MedianChla: model.Float(2.5), Status: model.TileStatusDispatched}},
	}
	require.NoError(t, s.CompleteRun(ctx, run.ID, summary))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	require.NotNil(t, got.Summary)
	require.Len(t, got.Summary.Tiles, 1)
	assert.Equal(t, 2.5, *got.Summary.Tiles[0].MedianChla)
	assert.Nil(t, got.Summary.Tiles[0].MedianWind)
}

func TestSQLite_FailRun(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	run, err := s.CreateRun(ctx, "bay.geojson")
	require.NoError(t, err)
	require.NoError(t, s.FailRun(ctx, run.ID, "configuration error: bad dates"))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, "configuration error: bad dates", got.Error)
}

func TestSQLite_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	_, err := s.GetRun(ctx, "missing")
	assert.Error(t, err)

	err = s.UpdateRunStatus(ctx, "missing", model.RunStatusComplete)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.IncrementDLQRetry(ctx, "missing", "boom")
	assert.Error(t, err)
}

func TestSQLite_ListRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	a, err := s.CreateRun(ctx, "a.geojson")
	require.NoError(t, err)
	_, err = s.CreateRun(ctx, "b.geojson")
	require.NoError(t, err)
	require.NoError(t, s.UpdateRunStatus(ctx, a.ID, model.RunStatusFailed))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, a.ID, failed[0].ID)

	byAOI, err := s.ListRuns(ctx, RunFilter{AOI: "b.geojson"})
	require.NoError(t, err)
	require.Len(t, byAOI, 1)
	assert.Equal(t, "b.geojson", byAOI[0].AOI)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_TileResults(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	run, err := s.CreateRun(ctx, "bay.geojson")
	require.NoError(t, err)

	results := []TileResult{
		{RunID: run.ID, Tile: model.Tile{ID: "r0000c0001", Row: 0, Col: 1, Geometry: square(0.01, 0, 0.01), AreaKM2: 1.2},
			Summary: model.TileSummary{TileID: "r0000c0001", Status: model.TileStatusSkipped, Mode: model.ModeCloud}},
		{RunID: run.ID, Tile: model.Tile{ID: "r0000c0000", Row: 0, Col: 0, Geometry: square(0, 0, 0.01), AreaKM2: 1.2},
			Summary: model.TileSummary{TileID: "r0000c0000", NScenes: 4, Status: model.TileStatusDispatched, Mode: model.ModeCloud, JobID: "task-1"}},
	}
	require.NoError(t, s.SaveTileResults(ctx, results))

	got, err := s.ListTileResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r0000c0000", got[0].Tile.ID, "ordered by tile id")
	assert.Equal(t, "task-1", got[0].Summary.JobID)
	assert.Equal(t, model.CRSWGS84, got[0].Tile.CRS)
	assert.Equal(t, square(0, 0, 0.01), got[0].Tile.Geometry)

	// Re-saving overwrites rather than duplicating.
	results[0].Summary.Status = model.TileStatusFailed
	results[0].Summary.Error = "dispatch failure"
	require.NoError(t, s.SaveTileResults(ctx, results[:1]))

	got, err = s.ListTileResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.TileStatusFailed, got[1].Summary.Status)
	assert.Equal(t, "dispatch failure", got[1].Summary.Error)
}

func TestSQLite_SelectionCache(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	cs, err := s.GetCachedSelection(ctx, "r0000c0000", "abc")
	require.NoError(t, err)
	assert.Nil(t, cs)

	records := []model.ObservationRecord{
		{ID: "S2_a", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), CloudPct: 5, Chla: model.Float(1.5)},
	}
	require.NoError(t, s.SetCachedSelection(ctx, "r0000c0000", "abc", records, time.Hour))

	cs, err = s.GetCachedSelection(ctx, "r0000c0000", "abc")
	require.NoError(t, err)
	require.NotNil(t, cs)
	require.Len(t, cs.Records, 1)
	assert.Equal(t, "S2_a", cs.Records[0].ID)
	assert.Equal(t, 1.5, *cs.Records[0].Chla)
	assert.Nil(t, cs.Records[0].WindSpeed)

	miss, err := s.GetCachedSelection(ctx, "r0000c0000", "other-plan")
	require.NoError(t, err)
	assert.Nil(t, miss)

	// An empty selection is still a cache hit.
	require.NoError(t, s.SetCachedSelection(ctx, "r0000c0001", "abc", nil, time.Hour))
	empty, err := s.GetCachedSelection(ctx, "r0000c0001", "abc")
	require.NoError(t, err)
	require.NotNil(t, empty)
	assert.Empty(t, empty.Records)
}

func TestSQLite_DeleteExpiredSelections(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.SetCachedSelection(ctx, "r0000c0000", "abc", nil, -time.Minute))
	require.NoError(t, s.SetCachedSelection(ctx, "r0000c0001", "abc", nil, time.Hour))

	cs, err := s.GetCachedSelection(ctx, "r0000c0000", "abc")
	require.NoError(t, err)
	assert.Nil(t, cs, "expired entry is not returned")

	n, err := s.DeleteExpiredSelections(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_DLQ(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.EnqueueDLQ(ctx, resilience.DLQEntry{
		RunID: "run-1", TileID: "r0000c0000", Phase: "select",
		Error: "remote unavailable", ErrorType: resilience.ErrorTransient, MaxRetries: 3,
	}))
	require.NoError(t, s.EnqueueDLQ(ctx, resilience.DLQEntry{
		RunID: "run-2", TileID: "r0000c0001", Phase: "dispatch",
		Error: "dispatch failure", ErrorType: resilience.ErrorPermanent, MaxRetries: 3,
	}))

	n, err := s.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := s.ListDLQ(ctx, resilience.DLQFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "select", e.Phase)
	assert.True(t, e.CanRetry())

	require.NoError(t, s.IncrementDLQRetry(ctx, e.ID, "still down"))
	entries, err = s.ListDLQ(ctx, resilience.DLQFilter{ErrorType: resilience.ErrorTransient})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, "still down", entries[0].Error)

	require.NoError(t, s.RemoveDLQ(ctx, e.ID))
	n, err = s.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPlanHash(t *testing.T) {
	type plan struct {
		Collection string
		Limit      int
	}
	a, err := PlanHash(plan{"S2", 10})
	require.NoError(t, err)
	b, err := PlanHash(plan{"S2", 10})
	require.NoError(t, err)
	c, err := PlanHash(plan{"S2", 11})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
