// Package pipeline runs scene selection, resource estimation and job
// dispatch over the tiles of one area of interest.
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clearwater/internal/config"
	"github.com/sells-group/clearwater/internal/cost"
	"github.com/sells-group/clearwater/internal/dispatch"
	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/monitoring"
	"github.com/sells-group/clearwater/internal/scene"
	"github.com/sells-group/clearwater/internal/store"
)

// Phase names recorded on failed tiles and dead letter entries.
const (
	PhaseSelect   = "select"
	PhaseDispatch = "dispatch"
)

// Selector compiles and evaluates a per-tile scene selection.
type Selector interface {
	Compile(region orb.MultiPolygon, tr model.TimeRange, stages []scene.Stage, limit int) (scene.Request, error)
	Execute(ctx context.Context, req scene.Request) ([]model.ObservationRecord, error)
}

// Options configures a Runner.
type Options struct {
	TimeRange          model.TimeRange
	Stages             []scene.Stage
	MaxScenes          int
	Coefficients       cost.Coefficients
	Thresholds         cost.Thresholds
	ForceMode          *model.ExecutionMode
	MaxConcurrentTiles int
	MaxConcurrentJobs  int
	// CacheTTL of zero disables the selection cache.
	CacheTTL time.Duration
}

// OptionsFrom builds runner options from the loaded configuration.
func OptionsFrom(cfg *config.Config) (Options, error) {
	tr, err := cfg.Run.TimeRange()
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		TimeRange:          tr,
		Stages:             scene.DefaultStages(cfg.Filter, cfg.Sources),
		MaxScenes:          cfg.Filter.MaxScenes,
		Coefficients:       cfg.Cost.Coefficients(),
		Thresholds:         cfg.Mode.Thresholds(),
		MaxConcurrentTiles: cfg.Pipeline.MaxConcurrentTiles,
		MaxConcurrentJobs:  cfg.Pipeline.MaxConcurrentJobs,
		CacheTTL:           time.Duration(cfg.Pipeline.CacheTTLHours) * time.Hour,
	}
	if cfg.Mode.Force != "" {
		m, err := model.ParseExecutionMode(cfg.Mode.Force)
		if err != nil {
			return Options{}, err
		}
		opts.ForceMode = &m
	}
	return opts, nil
}

// Runner orchestrates a run over a fixed set of tiles. Tiles are processed
// independently; a failed tile is reported in the summary and never stops
// its siblings.
type Runner struct {
	selector    Selector
	dispatchers dispatch.Set
	store       store.Store
	opts        Options
	log         *zap.Logger
}

// New creates a Runner. st may be nil, in which case nothing is persisted
// and the selection cache is disabled.
func New(sel Selector, ds dispatch.Set, st store.Store, opts Options) *Runner {
	if opts.MaxConcurrentTiles < 1 {
		opts.MaxConcurrentTiles = 1
	}
	if opts.MaxConcurrentJobs < 1 {
		opts.MaxConcurrentJobs = 1
	}
	return &Runner{
		selector:    sel,
		dispatchers: ds,
		store:       st,
		opts:        opts,
		log:         zap.L().With(zap.String("component", "pipeline")),
	}
}

// Run selects scenes for every tile, decides the execution mode once from
// the aggregate estimate, and dispatches one job per tile with scenes.
// Cancelling ctx stops further dispatches; jobs already started are left
// running. The returned summary lists every tile, ordered by tile id, even
// when an error is returned.
func (r *Runner) Run(ctx context.Context, aoiName string, tiles []model.Tile) (*model.RunSummary, error) {
	return r.run(ctx, aoiName, tiles, true)
}

// Plan runs the selection phase and the mode decision without dispatching.
// Tiles with scenes are reported as planned.
func (r *Runner) Plan(ctx context.Context, aoiName string, tiles []model.Tile) (*model.RunSummary, error) {
	return r.run(ctx, aoiName, tiles, false)
}

func (r *Runner) run(ctx context.Context, aoiName string, tiles []model.Tile, dispatchJobs bool) (*model.RunSummary, error) {
	if len(tiles) == 0 {
		return nil, eris.Wrap(model.ErrConfiguration, "pipeline: no tiles to process")
	}

	// Compile every request before any remote call so configuration errors
	// abort the run up front.
	sels := make([]*selection, len(tiles))
	for i, t := range tiles {
		req, err := r.selector.Compile(t.Geometry, r.opts.TimeRange, r.opts.Stages, r.opts.MaxScenes)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: compile selection for tile %s", t.ID)
		}
		sels[i] = &selection{tile: t, req: req}
	}
	sort.Slice(sels, func(i, j int) bool { return sels[i].tile.ID < sels[j].tile.ID })

	runID := uuid.New().String()
	if r.store != nil {
		run, err := r.store.CreateRun(ctx, aoiName)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: create run")
		}
		runID = run.ID
	}

	log := r.log.With(zap.String("run_id", runID), zap.String("aoi", aoiName))
	log.Info("pipeline: starting run", zap.Int("tiles", len(tiles)), zap.Bool("dispatch", dispatchJobs))

	summary := &model.RunSummary{
		RunID:     runID,
		AOI:       aoiName,
		TimeRange: r.opts.TimeRange,
		StartedAt: time.Now().UTC(),
	}

	setStatus := func(status model.RunStatus) {
		if r.store == nil {
			return
		}
		if err := r.store.UpdateRunStatus(ctx, runID, status); err != nil {
			log.Warn("pipeline: failed to update status", zap.Error(err))
		}
	}

	// ===== Phase 1: Scene selection =====
	setStatus(model.RunStatusSelecting)
	r.selectAll(ctx, runID, sels)

	// ===== Mode decision =====
	var stats []model.TileStats
	for _, s := range sels {
		if s.err == nil {
			stats = append(stats, model.TileStats{ID: s.tile.ID, NScenes: len(s.records)})
		}
	}
	summary.Estimate = cost.Estimate(stats, r.opts.Coefficients)
	summary.Mode = cost.SelectMode(summary.Estimate, r.opts.Thresholds, r.opts.ForceMode)
	summary.Overridden = r.opts.ForceMode != nil
	log.Info("pipeline: execution mode selected",
		zap.String("mode", string(summary.Mode)),
		zap.Bool("overridden", summary.Overridden),
		zap.Float64("storage_gb", summary.Estimate.StorageGB),
		zap.Float64("cpu_hours", summary.Estimate.CPUHours),
	)

	// ===== Phase 2: Dispatch =====
	if dispatchJobs {
		setStatus(model.RunStatusDispatching)
		if err := r.dispatchAll(ctx, runID, summary.Mode, sels); err != nil {
			// Every dispatchable tile is marked failed with this error.
			log.Error("pipeline: dispatcher unavailable", zap.Error(err))
		}
	}

	summary.Tiles = make([]model.TileSummary, len(sels))
	for i, s := range sels {
		summary.Tiles[i] = r.tileSummary(s, summary.Mode, dispatchJobs)
		monitoring.RecordTile(summary.Tiles[i].Status, summary.Tiles[i].FailedPhase)
	}
	summary.FinishedAt = time.Now().UTC()

	runErr := ctx.Err()
	r.persist(ctx, log, summary, sels, runErr)

	status := model.RunStatusComplete
	if runErr != nil {
		status = model.RunStatusFailed
	}
	monitoring.RecordRun(status, summary.Mode, summary.Estimate)

	log.Info("pipeline: run finished",
		zap.Int("tiles", len(summary.Tiles)),
		zap.Int("failed", summary.Failed()),
		zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)),
	)

	if runErr != nil {
		return summary, eris.Wrap(runErr, "pipeline: run cancelled")
	}
	return summary, nil
}

func (r *Runner) tileSummary(s *selection, mode model.ExecutionMode, dispatched bool) model.TileSummary {
	cloud, chla, wind := scene.Summarize(s.records)
	ts := model.TileSummary{
		TileID:      s.tile.ID,
		NScenes:     len(s.records),
		MedianCloud: cloud,
		MedianChla:  chla,
		MedianWind:  wind,
		Mode:        mode,
		Estimate:    cost.EstimateTile(model.TileStats{ID: s.tile.ID, NScenes: len(s.records)}, r.opts.Coefficients),
		JobID:       s.jobID,
	}
	switch {
	case s.err != nil:
		ts.Status = model.TileStatusFailed
		ts.FailedPhase = s.failedPhase
		ts.Error = s.err.Error()
	case len(s.records) == 0:
		ts.Status = model.TileStatusSkipped
	case !dispatched:
		ts.Status = model.TileStatusPlanned
	default:
		ts.Status = model.TileStatusDispatched
	}
	return ts
}

// persist writes tile results and the final run state. Writes use a
// context that survives cancellation so a cancelled run is still recorded.
func (r *Runner) persist(ctx context.Context, log *zap.Logger, summary *model.RunSummary, sels []*selection, runErr error) {
	if r.store == nil {
		return
	}
	wctx := context.WithoutCancel(ctx)

	results := make([]store.TileResult, len(sels))
	for i, s := range sels {
		results[i] = store.TileResult{RunID: summary.RunID, Tile: s.tile, Summary: summary.Tiles[i]}
	}
	if err := r.store.SaveTileResults(wctx, results); err != nil {
		log.Warn("pipeline: failed to save tile results", zap.Error(err))
	}

	if runErr != nil {
		if err := r.store.FailRun(wctx, summary.RunID, runErr.Error()); err != nil {
			log.Warn("pipeline: failed to mark run failed", zap.Error(err))
		}
		return
	}
	if err := r.store.CompleteRun(wctx, summary.RunID, summary); err != nil {
		log.Warn("pipeline: failed to save run summary", zap.Error(err))
	}
}
