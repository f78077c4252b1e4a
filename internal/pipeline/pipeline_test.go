package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clearwater/internal/collection"
	"github.com/sells-group/clearwater/internal/config"
	"github.com/sells-group/clearwater/internal/cost"
	"github.com/sells-group/clearwater/internal/dispatch"
	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/resilience"
	"github.com/sells-group/clearwater/internal/scene"
	"github.com/sells-group/clearwater/internal/store"
	"github.com/sells-group/clearwater/pkg/compute"
	computemocks "github.com/sells-group/clearwater/pkg/compute/mocks"
)

var (
	t0     = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	window = model.TimeRange{Start: t0.Add(-time.Hour), End: t0.Add(10 * 24 * time.Hour)}
)

func square(x, y, d float64) orb.MultiPolygon {
	return orb.MultiPolygon{{{{x, y}, {x + d, y}, {x + d, y + d}, {x, y + d}, {x, y}}}}
}

// Tiles: A has two clear scenes, B has no coverage, C fails selection, D
// has one clear scene.
var (
	tileA = model.Tile{ID: "r0000c0000", Col: 0, Geometry: square(0, 0, 0.01), CRS: model.CRSWGS84, AreaKM2: 1.2}
	tileB = model.Tile{ID: "r0000c0001", Col: 1, Geometry: square(1, 0, 0.01), CRS: model.CRSWGS84, AreaKM2: 1.2}
	tileC = model.Tile{ID: "r0000c0002", Col: 2, Geometry: square(2, 0, 0.01), CRS: model.CRSWGS84, AreaKM2: 1.2}
	tileD = model.Tile{ID: "r0000c0003", Col: 3, Geometry: square(3, 0, 0.01), CRS: model.CRSWGS84, AreaKM2: 1.2}
)

func catalog() *collection.Catalog {
	img := func(id string, day int, x, cloud float64) collection.Image {
		return collection.Image{
			ID:         id,
			Time:       t0.Add(time.Duration(day) * 24 * time.Hour),
			Footprint:  geojson.NewGeometry(square(x, 0, 0.5)[0]),
			Properties: map[string]float64{scene.CloudProperty: cloud},
		}
	}
	return &collection.Catalog{Collections: map[string][]collection.Image{
		"S2": {
			img("S2_A1", 0, 0, 5),
			img("S2_A2", 1, 0, 10),
			img("S2_A3", 2, 0, 50),
			img("S2_C1", 0, 2, 1),
			img("S2_D1", 3, 3, 1),
		},
	}}
}

// testSelector runs a real selector over the catalog and fails any tile
// whose region starts at longitude 2.
type testSelector struct {
	*scene.Selector
	executes atomic.Int32
}

func newTestSelector() *testSelector {
	return &testSelector{Selector: scene.NewSelector(collection.NewMemory(catalog()), "S2")}
}

func (s *testSelector) Execute(ctx context.Context, req scene.Request) ([]model.ObservationRecord, error) {
	s.executes.Add(1)
	if req.Plan.Region != nil && req.Plan.Region.Geometry().Bound().Min[0] == 2 {
		return nil, &compute.APIError{StatusCode: 400, Body: "bad region"}
	}
	return s.Selector.Execute(ctx, req)
}

type fakeDispatcher struct {
	mu         sync.Mutex
	jobs       []dispatch.Job
	fail       map[string]error
	onDispatch func()
}

func (f *fakeDispatcher) Dispatch(_ context.Context, job dispatch.Job) (dispatch.Result, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	if f.onDispatch != nil {
		f.onDispatch()
	}
	if err := f.fail[job.Tile.ID]; err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Result{TileID: job.Tile.ID, Mode: job.Mode, JobID: "job-" + job.Tile.ID}, nil
}

func (f *fakeDispatcher) tileIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.jobs))
	for i, j := range f.jobs {
		ids[i] = j.Tile.ID
	}
	return ids
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "clearwater.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testOpts() Options {
	return Options{
		TimeRange: window,
		Stages: []scene.Stage{scene.ThresholdStage{
			Label: "cloud", Property: scene.CloudProperty, Comparator: "lt", Limit: 20, Required: true,
		}},
		MaxScenes:          10,
		Coefficients:       cost.DefaultCoefficients(),
		Thresholds:         cost.DefaultThresholds(),
		MaxConcurrentTiles: 4,
		MaxConcurrentJobs:  2,
		CacheTTL:           time.Hour,
	}
}

func statuses(s *model.RunSummary) map[string]model.TileStatus {
	out := make(map[string]model.TileStatus, len(s.Tiles))
	for _, t := range s.Tiles {
		out[t.TileID] = t.Status
	}
	return out
}

func TestRun_EveryTileReportedInOrder(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	offline := &fakeDispatcher{}
	r := New(newTestSelector(), dispatch.Set{Cloud: &fakeDispatcher{}, Offline: offline}, st, testOpts())

	summary, err := r.Run(ctx, "bay", []model.Tile{tileD, tileC, tileB, tileA})
	require.NoError(t, err)

	require.Len(t, summary.Tiles, 4)
	ids := make([]string, len(summary.Tiles))
	for i, ts := range summary.Tiles {
		ids[i] = ts.TileID
	}
	assert.Equal(t, []string{tileA.ID, tileB.ID, tileC.ID, tileD.ID}, ids)
	assert.Equal(t, map[string]model.TileStatus{
		tileA.ID: model.TileStatusDispatched,
		tileB.ID: model.TileStatusSkipped,
		tileC.ID: model.TileStatusFailed,
		tileD.ID: model.TileStatusDispatched,
	}, statuses(summary))

	a := summary.Tiles[0]
	assert.Equal(t, 2, a.NScenes)
	require.NotNil(t, a.MedianCloud)
	assert.InDelta(t, 7.5, *a.MedianCloud, 1e-9)
	assert.Nil(t, a.MedianChla)
	assert.Equal(t, "job-"+tileA.ID, a.JobID)

	c := summary.Tiles[2]
	assert.Equal(t, PhaseSelect, c.FailedPhase)
	assert.Contains(t, c.Error, "bad region")
	assert.Equal(t, 1, summary.Failed())

	// 3 scenes, 3 successfully selected tiles: well under the default thresholds.
	assert.Equal(t, model.ModeOffline, summary.Mode)
	assert.False(t, summary.Overridden)
	assert.InDelta(t, 3*0.55, summary.Estimate.StorageGB, 1e-9)
	assert.InDelta(t, 3*0.12, summary.Estimate.CPUHours, 1e-9)
	for _, ts := range summary.Tiles {
		assert.Equal(t, model.ModeOffline, ts.Mode)
	}

	assert.ElementsMatch(t, []string{tileA.ID, tileD.ID}, offline.tileIDs())
	for _, j := range offline.jobs {
		assert.Equal(t, summary.RunID, j.RunID)
		assert.Equal(t, window, j.TimeRange)
	}

	run, err := st.GetRun(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Summary)
	assert.Len(t, run.Summary.Tiles, 4)

	results, err := st.ListTileResults(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Len(t, results, 4)

	dlq, err := st.ListDLQ(ctx, resilience.DLQFilter{RunID: summary.RunID})
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, tileC.ID, dlq[0].TileID)
	assert.Equal(t, PhaseSelect, dlq[0].Phase)
	assert.Equal(t, resilience.ErrorPermanent, dlq[0].ErrorType)
}

func TestRun_ForcedMode(t *testing.T) {
	cloud := &fakeDispatcher{}
	opts := testOpts()
	m := model.ModeCloud
	opts.ForceMode = &m

	r := New(newTestSelector(), dispatch.Set{Cloud: cloud, Offline: &fakeDispatcher{}}, nil, opts)
	summary, err := r.Run(context.Background(), "bay", []model.Tile{tileA})
	require.NoError(t, err)
	assert.Equal(t, model.ModeCloud, summary.Mode)
	assert.True(t, summary.Overridden)
	assert.Equal(t, []string{tileA.ID}, cloud.tileIDs())
	assert.NotEmpty(t, summary.RunID)
}

func TestRun_CloudDispatchThroughComputeService(t *testing.T) {
	client := computemocks.NewMockClient(t)
	client.On("ActiveTasks", mock.Anything).Return(3, nil)
	client.On("StartExport", mock.Anything, mock.MatchedBy(func(req compute.ExportRequest) bool {
		return req.TileID == tileA.ID && len(req.ImageIDs) == 2 && req.Description == "clearwater_"+tileA.ID
	})).Return(&compute.Task{ID: "task-1", State: compute.TaskReady}, nil)

	cloud := dispatch.NewCloud(client, dispatch.CloudOptions{
		Collection:     "S2",
		MaxActiveTasks: 250,
		PollInterval:   time.Millisecond,
		Retry:          resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})

	opts := testOpts()
	opts.Thresholds = cost.Thresholds{}
	r := New(newTestSelector(), dispatch.Set{Cloud: cloud}, nil, opts)

	summary, err := r.Run(context.Background(), "bay", []model.Tile{tileA, tileB})
	require.NoError(t, err)
	assert.Equal(t, model.ModeCloud, summary.Mode)
	assert.Equal(t, "task-1", summary.Tiles[0].JobID)
	assert.Equal(t, model.TileStatusSkipped, summary.Tiles[1].Status)
}

func TestRun_DispatchFailureDoesNotStopSiblings(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	offline := &fakeDispatcher{fail: map[string]error{
		tileA.ID: fmt.Errorf("acolite exited: %w", model.ErrDispatch),
	}}
	r := New(newTestSelector(), dispatch.Set{Offline: offline}, st, testOpts())

	summary, err := r.Run(ctx, "bay", []model.Tile{tileA, tileD})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{tileA.ID, tileD.ID}, offline.tileIDs())

	a, d := summary.Tiles[0], summary.Tiles[1]
	assert.Equal(t, model.TileStatusFailed, a.Status)
	assert.Equal(t, PhaseDispatch, a.FailedPhase)
	assert.Equal(t, 2, a.NScenes, "selection results are kept for failed dispatches")
	assert.Equal(t, model.TileStatusDispatched, d.Status)

	dlq, err := st.ListDLQ(ctx, resilience.DLQFilter{RunID: summary.RunID})
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, PhaseDispatch, dlq[0].Phase)
}

func TestRun_MissingDispatcherFailsDispatchableTiles(t *testing.T) {
	r := New(newTestSelector(), dispatch.Set{}, nil, testOpts())
	summary, err := r.Run(context.Background(), "bay", []model.Tile{tileA, tileB})
	require.NoError(t, err)
	assert.Equal(t, model.TileStatusFailed, summary.Tiles[0].Status)
	assert.Contains(t, summary.Tiles[0].Error, "no dispatcher")
	assert.Equal(t, model.TileStatusSkipped, summary.Tiles[1].Status)
}

func TestRun_CancelStopsFurtherDispatch(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	offline := &fakeDispatcher{onDispatch: cancel}
	opts := testOpts()
	opts.MaxConcurrentJobs = 1
	r := New(newTestSelector(), dispatch.Set{Offline: offline}, st, opts)

	summary, err := r.Run(ctx, "bay", []model.Tile{tileA, tileD})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, summary)

	assert.Equal(t, []string{tileA.ID}, offline.tileIDs())
	assert.Equal(t, model.TileStatusDispatched, summary.Tiles[0].Status)
	assert.Equal(t, model.TileStatusFailed, summary.Tiles[1].Status)
	assert.Equal(t, PhaseDispatch, summary.Tiles[1].FailedPhase)
	assert.Contains(t, summary.Tiles[1].Error, "not dispatched")

	run, err := st.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)

	results, err := st.ListTileResults(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRun_SelectionCache(t *testing.T) {
	st := newTestStore(t)
	sel := newTestSelector()
	r := New(sel, dispatch.Set{Offline: &fakeDispatcher{}}, st, testOpts())
	tiles := []model.Tile{tileA, tileB, tileC}

	first, err := r.Run(context.Background(), "bay", tiles)
	require.NoError(t, err)
	assert.Equal(t, int32(3), sel.executes.Load())

	second, err := r.Run(context.Background(), "bay", tiles)
	require.NoError(t, err)
	assert.Equal(t, int32(4), sel.executes.Load(), "only the failed tile is evaluated again")
	assert.Equal(t, statuses(first), statuses(second))
	assert.Equal(t, first.Tiles[0].NScenes, second.Tiles[0].NScenes)

	opts := testOpts()
	opts.CacheTTL = 0
	_, err = New(sel, dispatch.Set{Offline: &fakeDispatcher{}}, st, opts).Run(context.Background(), "bay", tiles)
	require.NoError(t, err)
	assert.Equal(t, int32(7), sel.executes.Load())
}

func TestRun_ConfigurationErrorBeforeAnyEvaluation(t *testing.T) {
	st := newTestStore(t)
	sel := newTestSelector()
	opts := testOpts()
	opts.MaxScenes = 0

	_, err := New(sel, dispatch.Set{}, st, opts).Run(context.Background(), "bay", []model.Tile{tileA})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConfiguration)
	assert.Equal(t, int32(0), sel.executes.Load())

	runs, err := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	_, err = New(sel, dispatch.Set{}, st, testOpts()).Run(context.Background(), "bay", nil)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestPlan_DoesNotDispatch(t *testing.T) {
	offline := &fakeDispatcher{}
	r := New(newTestSelector(), dispatch.Set{Offline: offline}, nil, testOpts())

	summary, err := r.Plan(context.Background(), "bay", []model.Tile{tileA, tileB, tileC})
	require.NoError(t, err)
	assert.Empty(t, offline.tileIDs())
	assert.Equal(t, map[string]model.TileStatus{
		tileA.ID: model.TileStatusPlanned,
		tileB.ID: model.TileStatusSkipped,
		tileC.ID: model.TileStatusFailed,
	}, statuses(summary))
	assert.InDelta(t, 2*0.55, summary.Estimate.StorageGB, 1e-9)
}

func TestOptionsFrom(t *testing.T) {
	cfg := &config.Config{
		Run:      config.RunConfig{AOI: "bay.geojson", StartDate: "2024-01-01", EndDate: "2024-02-01"},
		Filter:   config.FilterConfig{CloudThresh: 20, MaxScenes: 25, Comparator: "lt", TidalThresh: -1},
		Sources:  config.SourcesConfig{Primary: "S2"},
		Cost:     config.CostConfig{SceneSizeGB: 1, CPUHoursPerTile: 2},
		Mode:     config.ModeConfig{StorageGBThreshold: 10, CPUHoursThreshold: 5, Force: "offline"},
		Pipeline: config.PipelineConfig{MaxConcurrentTiles: 3, MaxConcurrentJobs: 2, CacheTTLHours: 168},
	}
	opts, err := OptionsFrom(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), opts.TimeRange.Start)
	assert.Equal(t, 25, opts.MaxScenes)
	assert.Len(t, opts.Stages, 1)
	require.NotNil(t, opts.ForceMode)
	assert.Equal(t, model.ModeOffline, *opts.ForceMode)
	assert.Equal(t, 168*time.Hour, opts.CacheTTL)
	assert.Equal(t, cost.Thresholds{StorageGB: 10, CPUHours: 5}, opts.Thresholds)

	cfg.Mode.Force = "hybrid"
	_, err = OptionsFrom(cfg)
	assert.ErrorIs(t, err, model.ErrConfiguration)

	cfg.Mode.Force = ""
	cfg.Run.EndDate = "2023-12-01"
	_, err = OptionsFrom(cfg)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}
