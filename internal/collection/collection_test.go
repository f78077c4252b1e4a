package collection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clearwater/internal/fetcher"
	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/resilience"
	"github.com/sells-group/clearwater/pkg/compute"
)

var (
	day0   = time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	region = orb.MultiPolygon{{{
		{-76.0, 38.0}, {-75.99, 38.0}, {-75.99, 38.01}, {-76.0, 38.01}, {-76.0, 38.0},
	}}}
)

func constRaster(v float64) *Raster { return &Raster{Value: &v} }

func testCatalog() *Catalog {
	return &Catalog{Collections: map[string][]Image{
		"S2": {
			{ID: "s2_c", Time: day0.Add(48 * time.Hour), Properties: map[string]float64{"CLOUD": 5}},
			{ID: "s2_a", Time: day0, Properties: map[string]float64{"CLOUD": 10}},
			{ID: "s2_b", Time: day0.Add(24 * time.Hour), Properties: map[string]float64{"CLOUD": 50}},
			{ID: "s2_d", Time: day0.Add(72 * time.Hour)},
		},
		"CHLA": {
			// Product renamed its band between versions.
			{ID: "c1", Time: day0.Add(time.Hour), Bands: map[string]*Raster{"CHLA_AVE": constRaster(0.2)}},
			{ID: "c2", Time: day0.Add(2 * time.Hour), Bands: map[string]*Raster{"chlor_a": constRaster(0.4)}},
			{ID: "c3", Time: day0.Add(3 * time.Hour), Bands: map[string]*Raster{"chlor_a": constRaster(0.6)}},
		},
		"WIND": {
			{ID: "w1", Time: day0.Add(-time.Hour), Bands: map[string]*Raster{
				"u": constRaster(3), "v": constRaster(4),
			}},
		},
	}}
}

func chlaEnrichment() compute.Enrichment {
	return compute.Enrichment{
		Property:        "chla",
		Collection:      "CHLA",
		Bands:           []string{"CHLA_AVE", "chlor_a"},
		WindowStartSecs: 0,
		WindowEndSecs:   86400,
		TemporalReducer: "median",
		SpatialReducer:  "mean",
		ScaleMeters:     500,
	}
}

func TestQuery_Immutable(t *testing.T) {
	base := From("S2").FilterDate(model.TimeRange{Start: day0, End: day0.Add(24 * time.Hour)})
	a := base.Filter("CLOUD", "lt", 20, false)
	b := base.Filter("CLOUD", "lt", 80, true)

	assert.Empty(t, base.Plan().Steps)
	require.Len(t, a.Plan().Steps, 1)
	require.Len(t, b.Plan().Steps, 1)
	assert.Equal(t, 20.0, a.Plan().Steps[0].Filter.Value)
	assert.Equal(t, 80.0, b.Plan().Steps[0].Filter.Value)
	assert.Equal(t, day0.UnixMilli(), a.Plan().StartMs)
}

func TestQuery_PlanShape(t *testing.T) {
	p := From("S2").
		FilterBounds(region).
		Filter("CLOUD", "lt", 20, false).
		Enrich(chlaEnrichment()).
		Filter("chla", "lt", 0.3, true).
		SortLimit(compute.ColumnID, 5).
		Plan()

	require.NotNil(t, p.Region)
	assert.Equal(t, "MultiPolygon", p.Region.Type)
	require.Len(t, p.Steps, 3)
	assert.NotNil(t, p.Steps[0].Filter)
	assert.NotNil(t, p.Steps[1].Enrich)
	assert.True(t, p.Steps[2].Filter.KeepMissing)
	assert.Equal(t, compute.ColumnID, p.SortBy)
	assert.Equal(t, 5, p.Limit)
}

func TestTable(t *testing.T) {
	tbl, err := NewTable(map[string][]any{
		compute.ColumnID:   {"a", "b", "c"},
		compute.ColumnTime: {float64(day0.UnixMilli()), nil, "x"},
		"chla":             {0.25, compute.FillValue, "bad"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, "b", tbl.String(compute.ColumnID, 1))
	assert.Equal(t, day0, tbl.Time(compute.ColumnTime, 0))
	assert.True(t, tbl.Time(compute.ColumnTime, 1).IsZero())

	require.NotNil(t, tbl.Float("chla", 0))
	assert.Equal(t, 0.25, *tbl.Float("chla", 0))
	assert.Nil(t, tbl.Float("chla", 1), "fill value must decode to missing")
	assert.Nil(t, tbl.Float("chla", 2))
	assert.Nil(t, tbl.Float("missing", 0))
	assert.Nil(t, tbl.Float("chla", 9))
}

func TestNewTable_Ragged(t *testing.T) {
	_, err := NewTable(map[string][]any{"a": {1.0}, "b": {1.0, 2.0}})
	assert.Error(t, err)
}

func TestResolveBand(t *testing.T) {
	name, ok := ResolveBand([]string{"chlor_a", "flags"}, []string{"CHLA_AVE", "chlor_a"})
	assert.True(t, ok)
	assert.Equal(t, "chlor_a", name)

	name, ok = ResolveBand([]string{"CHLA_AVE", "chlor_a"}, []string{"CHLA_AVE", "chlor_a"})
	assert.True(t, ok)
	assert.Equal(t, "CHLA_AVE", name)

	_, ok = ResolveBand([]string{"flags"}, []string{"CHLA_AVE"})
	assert.False(t, ok)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		op   string
		v    float64
		want bool
	}{
		{"lt", 20, false},
		{"lt", 19.9, true},
		{"lte", 20, true},
		{"gt", 20, false},
		{"gte", 20, true},
	}
	for _, tt := range tests {
		got, err := Compare(tt.op, tt.v, 20)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %v", tt.op, tt.v)
	}
	_, err := Compare("eq", 1, 1)
	assert.Error(t, err)
}

func TestRaster_Grid(t *testing.T) {
	nodata := -1.0
	r := &Raster{
		Bound:  [4]float64{0, 0, 2, 2},
		Width:  2,
		Height: 2,
		Values: []float64{1, 2, 3, -1},
		NoData: &nodata,
	}
	v, ok := r.At(orb.Point{0.5, 1.5})
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
	v, ok = r.At(orb.Point{0.5, 0.5})
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)
	_, ok = r.At(orb.Point{1.5, 0.5})
	assert.False(t, ok, "nodata")
	_, ok = r.At(orb.Point{5, 5})
	assert.False(t, ok, "outside")
}

func TestMemory_FilterSortLimit(t *testing.T) {
	m := NewMemory(testCatalog())
	plan := From("S2").
		FilterDate(model.TimeRange{Start: day0, End: day0.Add(96 * time.Hour)}).
		FilterBounds(region).
		Filter("CLOUD", "lt", 20, false).
		SortLimit(compute.ColumnID, 0).
		Plan()

	tbl, err := m.Evaluate(context.Background(), plan, []string{compute.ColumnID, "CLOUD"})
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, "s2_a", tbl.String(compute.ColumnID, 0))
	assert.Equal(t, "s2_c", tbl.String(compute.ColumnID, 1))

	plan.Steps[0].Filter.KeepMissing = true
	tbl, err = m.Evaluate(context.Background(), plan, []string{compute.ColumnID})
	require.NoError(t, err)
	assert.Equal(t, 3, tbl.Len(), "missing CLOUD kept")

	plan.Limit = 1
	tbl, err = m.Evaluate(context.Background(), plan, []string{compute.ColumnID})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	assert.Equal(t, "s2_a", tbl.String(compute.ColumnID, 0))
}

func TestMemory_DateRangeHalfOpen(t *testing.T) {
	m := NewMemory(testCatalog())
	plan := From("S2").FilterDate(model.TimeRange{Start: day0, End: day0.Add(24 * time.Hour)}).Plan()

	tbl, err := m.Evaluate(context.Background(), plan, []string{compute.ColumnID, compute.ColumnTime})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	assert.Equal(t, "s2_a", tbl.String(compute.ColumnID, 0))
	assert.Equal(t, day0, tbl.Time(compute.ColumnTime, 0))
}

func TestMemory_EnrichResolvesBandAndReducesOverTime(t *testing.T) {
	m := NewMemory(testCatalog())
	plan := From("S2").
		FilterDate(model.TimeRange{Start: day0, End: day0.Add(time.Hour)}).
		FilterBounds(region).
		Enrich(chlaEnrichment()).
		Plan()

	tbl, err := m.Evaluate(context.Background(), plan, []string{compute.ColumnID, "chla"})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	v := tbl.Float("chla", 0)
	require.NotNil(t, v)
	assert.InDelta(t, 0.4, *v, 1e-9, "median of 0.2, 0.4, 0.6 across renamed bands")
}

func TestMemory_EnrichNoCoverageIsMissing(t *testing.T) {
	m := NewMemory(testCatalog())
	plan := From("S2").
		FilterDate(model.TimeRange{Start: day0.Add(24 * time.Hour), End: day0.Add(25 * time.Hour)}).
		FilterBounds(region).
		Enrich(chlaEnrichment()).
		Plan()

	tbl, err := m.Evaluate(context.Background(), plan, []string{compute.ColumnID, "chla"})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	assert.Nil(t, tbl.Float("chla", 0))
}

func TestMemory_EnrichMagnitude(t *testing.T) {
	m := NewMemory(testCatalog())
	plan := From("S2").
		FilterDate(model.TimeRange{Start: day0, End: day0.Add(time.Hour)}).
		FilterBounds(region).
		Enrich(compute.Enrichment{
			Property:        "wind_speed",
			Collection:      "WIND",
			Bands:           []string{"u", "v"},
			Magnitude:       true,
			WindowStartSecs: -3 * 3600,
			WindowEndSecs:   3 * 3600,
			TemporalReducer: "median",
			SpatialReducer:  "mean",
			ScaleMeters:     25000,
		}).
		Plan()

	tbl, err := m.Evaluate(context.Background(), plan, []string{"wind_speed"})
	require.NoError(t, err)
	v := tbl.Float("wind_speed", 0)
	require.NotNil(t, v)
	assert.InDelta(t, 5.0, *v, 1e-9)
}

func TestMemory_EnrichMagnitudePerImage(t *testing.T) {
	c := testCatalog()
	// Same speed, opposite directions: component medians would cancel out.
	c.Collections["WIND"] = []Image{
		{ID: "w1", Time: day0.Add(-time.Hour), Bands: map[string]*Raster{"u": constRaster(5), "v": constRaster(0)}},
		{ID: "w2", Time: day0.Add(time.Hour), Bands: map[string]*Raster{"u": constRaster(-5), "v": constRaster(0)}},
	}
	m := NewMemory(c)

	plan := From("S2").
		FilterDate(model.TimeRange{Start: day0, End: day0.Add(time.Hour)}).
		FilterBounds(region).
		Enrich(compute.Enrichment{
			Property:        "wind_speed",
			Collection:      "WIND",
			Bands:           []string{"u", "v"},
			Magnitude:       true,
			WindowStartSecs: -3 * 3600,
			WindowEndSecs:   3 * 3600,
			TemporalReducer: "median",
			SpatialReducer:  "mean",
			ScaleMeters:     25000,
		}).
		Filter("wind_speed", "lt", 4.5, false).
		Plan()

	tbl, err := m.Evaluate(context.Background(), plan, []string{compute.ColumnID, "wind_speed"})
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.Len(), "a 5 m/s wind from either side must not pass a 4.5 limit")

	plan.Steps = plan.Steps[:len(plan.Steps)-1]
	tbl, err = m.Evaluate(context.Background(), plan, []string{"wind_speed"})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	v := tbl.Float("wind_speed", 0)
	require.NotNil(t, v)
	assert.InDelta(t, 5.0, *v, 1e-9)
}

func TestMemory_StaticWithMultiplier(t *testing.T) {
	c := testCatalog()
	c.Collections["TIDE"] = []Image{{ID: "tide", Bands: map[string]*Raster{"b1": constRaster(150)}}}
	m := NewMemory(c)

	plan := From("S2").
		FilterDate(model.TimeRange{Start: day0, End: day0.Add(time.Hour)}).
		FilterBounds(region).
		Enrich(compute.Enrichment{
			Property:       "tidal_state",
			Collection:     "TIDE",
			Bands:          []string{"annual_max_cycle_amp_cm", "b1"},
			Static:         true,
			SpatialReducer: "mean",
			ScaleMeters:    5000,
			Multiplier:     0.01,
		}).
		Plan()

	tbl, err := m.Evaluate(context.Background(), plan, []string{"tidal_state"})
	require.NoError(t, err)
	v := tbl.Float("tidal_state", 0)
	require.NotNil(t, v)
	assert.InDelta(t, 1.5, *v, 1e-9)
}

func TestMemory_Errors(t *testing.T) {
	m := NewMemory(testCatalog())

	_, err := m.Evaluate(context.Background(), From("NOPE").Plan(), nil)
	assert.Error(t, err)

	_, err = m.Evaluate(context.Background(), From("S2").Filter("CLOUD", "eq", 1, false).Plan(), nil)
	assert.Error(t, err)

	bad := chlaEnrichment()
	bad.SpatialReducer = "mode"
	_, err = m.Evaluate(context.Background(), From("S2").Enrich(bad).Plan(), nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Evaluate(ctx, From("S2").Plan(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSamplePoints(t *testing.T) {
	pts := samplePoints(region, 100)
	assert.NotEmpty(t, pts)
	assert.LessOrEqual(t, len(pts), maxSamples)

	// Region far smaller than the scale collapses to its centroid.
	pts = samplePoints(region, 100000)
	require.NotEmpty(t, pts)

	big := orb.MultiPolygon{{{{-80, 30}, {-70, 30}, {-70, 40}, {-80, 40}, {-80, 30}}}}
	assert.LessOrEqual(t, len(samplePoints(big, 10)), maxSamples)
}

func TestLoadCatalog(t *testing.T) {
	data := []byte(`{"collections":{"S2":[{"id":"a","time":"2023-06-01T10:00:00Z","properties":{"CLOUD":3}}]}}`)

	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	c, err := LoadCatalog(context.Background(), fetcher.NewRouter(), path)
	require.NoError(t, err)
	require.Len(t, c.Collections["S2"], 1)
	assert.Equal(t, day0, c.Collections["S2"][0].Time)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()
	c, err = LoadCatalog(context.Background(), fetcher.NewRouter(), srv.URL+"/catalog.json")
	require.NoError(t, err)
	assert.Equal(t, 3.0, c.Collections["S2"][0].Properties["CLOUD"])

	_, err = ParseCatalog([]byte(`{"collections":{"S2":[{"id":"a"},{"id":"a"}]}}`))
	assert.Error(t, err)
	_, err = ParseCatalog([]byte(`{}`))
	assert.Error(t, err)
}

type fakeClient struct {
	calls atomic.Int32
	fail  int32
	err   error
	resp  *compute.EvaluateResponse
}

func (f *fakeClient) Evaluate(_ context.Context, _ compute.EvaluateRequest) (*compute.EvaluateResponse, error) {
	n := f.calls.Add(1)
	if n <= f.fail {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeClient) StartExport(context.Context, compute.ExportRequest) (*compute.Task, error) {
	return nil, nil
}

func (f *fakeClient) GetTask(context.Context, string) (*compute.Task, error) { return nil, nil }

func (f *fakeClient) ActiveTasks(context.Context) (int, error) { return 0, nil }

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestRemote_RetriesTransient(t *testing.T) {
	fc := &fakeClient{
		fail: 2,
		err:  &compute.APIError{StatusCode: 503},
		resp: &compute.EvaluateResponse{Columns: map[string][]any{compute.ColumnID: {"a"}}},
	}
	r := NewRemote(fc, RemoteOptions{MaxInflight: 2, Retry: fastRetry()})

	tbl, err := r.Evaluate(context.Background(), From("S2").Plan(), []string{compute.ColumnID})
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, int32(3), fc.calls.Load())
}

func TestRemote_ExhaustedIsRemoteUnavailable(t *testing.T) {
	fc := &fakeClient{fail: 100, err: &compute.APIError{StatusCode: 503}}
	r := NewRemote(fc, RemoteOptions{Retry: fastRetry()})

	_, err := r.Evaluate(context.Background(), From("S2").Plan(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRemoteUnavailable)
	assert.Equal(t, int32(3), fc.calls.Load())
}

func TestRemote_PermanentNotRetried(t *testing.T) {
	fc := &fakeClient{fail: 100, err: &compute.APIError{StatusCode: 400, Body: "bad plan"}}
	r := NewRemote(fc, RemoteOptions{Retry: fastRetry()})

	_, err := r.Evaluate(context.Background(), From("S2").Plan(), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrRemoteUnavailable)
	assert.Equal(t, int32(1), fc.calls.Load())
}

func TestRemote_OpenBreaker(t *testing.T) {
	fc := &fakeClient{fail: 100, err: &compute.APIError{StatusCode: 503}}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	r := NewRemote(fc, RemoteOptions{Retry: resilience.RetryConfig{MaxAttempts: 1}, Breaker: cb})

	_, err := r.Evaluate(context.Background(), From("S2").Plan(), nil)
	require.Error(t, err)
	_, err = r.Evaluate(context.Background(), From("S2").Plan(), nil)
	assert.ErrorIs(t, err, model.ErrRemoteUnavailable)
	assert.Equal(t, int32(1), fc.calls.Load(), "open breaker short-circuits")
}
