package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/monitoring"
	"github.com/sells-group/clearwater/internal/resilience"
	"github.com/sells-group/clearwater/internal/scene"
	"github.com/sells-group/clearwater/internal/store"
)

// selection carries one tile through both phases. Each is written by a
// single goroutine at a time.
type selection struct {
	tile    model.Tile
	req     scene.Request
	records []model.ObservationRecord
	cached  bool

	err         error
	failedPhase string
	jobID       string
}

func (s *selection) fail(phase string, err error) {
	s.err = err
	s.failedPhase = phase
}

// selectAll runs scene selection for every tile with bounded concurrency.
func (r *Runner) selectAll(ctx context.Context, runID string, sels []*selection) {
	g := new(errgroup.Group)
	g.SetLimit(r.opts.MaxConcurrentTiles)

	for _, s := range sels {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				s.fail(PhaseSelect, err)
				return nil
			}
			r.selectTile(ctx, runID, s)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runner) selectTile(ctx context.Context, runID string, s *selection) {
	log := r.log.With(zap.String("run_id", runID), zap.String("tile_id", s.tile.ID))

	hash, cacheable := "", r.store != nil && r.opts.CacheTTL > 0
	if cacheable {
		h, err := store.PlanHash(s.req)
		if err != nil {
			log.Warn("pipeline: hash selection plan", zap.Error(err))
			cacheable = false
		}
		hash = h
	}

	if cacheable {
		cs, err := r.store.GetCachedSelection(ctx, s.tile.ID, hash)
		if err != nil {
			log.Warn("pipeline: selection cache lookup failed", zap.Error(err))
		}
		monitoring.RecordCacheLookup(cs != nil)
		if cs != nil {
			s.records, s.cached = cs.Records, true
			log.Debug("pipeline: selection cache hit", zap.Int("scenes", len(cs.Records)))
			return
		}
	}

	start := time.Now()
	records, err := r.selector.Execute(ctx, s.req)
	if err != nil {
		s.fail(PhaseSelect, err)
		log.Error("pipeline: scene selection failed", zap.Error(err))
		r.deadLetter(ctx, runID, s)
		return
	}
	s.records = records
	monitoring.RecordSelection(len(records), time.Since(start))
	log.Info("pipeline: scenes selected", zap.Int("scenes", len(records)))

	if cacheable {
		if err := r.store.SetCachedSelection(ctx, s.tile.ID, hash, records, r.opts.CacheTTL); err != nil {
			log.Warn("pipeline: failed to cache selection", zap.Error(err))
		}
	}
}

// deadLetter records a failed tile for later inspection or retry.
func (r *Runner) deadLetter(ctx context.Context, runID string, s *selection) {
	if r.store == nil || s.err == nil {
		return
	}
	now := time.Now().UTC()
	entry := resilience.DLQEntry{
		RunID:        runID,
		TileID:       s.tile.ID,
		Phase:        s.failedPhase,
		Error:        s.err.Error(),
		ErrorType:    resilience.ClassifyError(s.err),
		MaxRetries:   3,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err := r.store.EnqueueDLQ(context.WithoutCancel(ctx), entry); err != nil {
		r.log.Warn("pipeline: failed to enqueue dead letter",
			zap.String("tile_id", s.tile.ID),
			zap.Error(err),
		)
	}
}
