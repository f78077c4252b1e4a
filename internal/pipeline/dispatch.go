package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/clearwater/internal/cost"
	"github.com/sells-group/clearwater/internal/dispatch"
	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/monitoring"
)

// dispatchAll starts one job per selected tile in mode. Tiles that failed
// selection or have no scenes are left alone. Once ctx is cancelled no
// further job is started and the remaining tiles are marked failed.
func (r *Runner) dispatchAll(ctx context.Context, runID string, mode model.ExecutionMode, sels []*selection) error {
	d, err := r.dispatchers.For(mode)
	if err != nil {
		for _, s := range sels {
			if s.err == nil && len(s.records) > 0 {
				s.fail(PhaseDispatch, err)
			}
		}
		return err
	}

	g := new(errgroup.Group)
	g.SetLimit(r.opts.MaxConcurrentJobs)

	for _, s := range sels {
		if s.err != nil || len(s.records) == 0 {
			continue
		}
		g.Go(func() error {
			// Checked after acquiring a slot: a cancel while queued must not
			// start the job.
			if err := ctx.Err(); err != nil {
				s.fail(PhaseDispatch, eris.Wrap(err, "pipeline: not dispatched"))
				return nil
			}
			r.dispatchTile(ctx, runID, mode, d, s)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

func (r *Runner) dispatchTile(ctx context.Context, runID string, mode model.ExecutionMode, d dispatch.Dispatcher, s *selection) {
	log := r.log.With(zap.String("run_id", runID), zap.String("tile_id", s.tile.ID))

	job := dispatch.Job{
		RunID:     runID,
		Tile:      s.tile,
		Mode:      mode,
		TimeRange: r.opts.TimeRange,
		Scenes:    s.records,
		Estimate:  cost.EstimateTile(model.TileStats{ID: s.tile.ID, NScenes: len(s.records)}, r.opts.Coefficients),
	}

	res, err := d.Dispatch(ctx, job)
	monitoring.RecordDispatch(mode, err)
	if err != nil {
		s.fail(PhaseDispatch, err)
		log.Error("pipeline: dispatch failed", zap.Error(err))
		r.deadLetter(ctx, runID, s)
		return
	}
	s.jobID = res.JobID
	log.Info("pipeline: tile dispatched",
		zap.String("mode", string(mode)),
		zap.String("job_id", res.JobID),
		zap.Int("scenes", len(s.records)),
	)
}
