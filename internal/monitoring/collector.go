package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsActive   int     `json:"runs_active"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Tile metrics from completed run summaries.
	TilesTotal       int     `json:"tiles_total"`
	TilesFailed      int     `json:"tiles_failed"`
	TilesSkipped     int     `json:"tiles_skipped"`
	TileFailRate     float64 `json:"tile_fail_rate"`
	EstimatedCost    float64 `json:"estimated_cost_usd"`
	CloudRuns        int     `json:"cloud_runs"`
	OfflineRuns      int     `json:"offline_runs"`
	ScenesDispatched int     `json:"scenes_dispatched"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource is the subset of the store the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	CountDLQ(ctx context.Context) (int, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store RunSource
}

// NewCollector creates a new metrics collector.
func NewCollector(st RunSource) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of pipeline metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		default:
			snap.RunsActive++
		}

		s := r.Summary
		if s == nil {
			continue
		}
		switch s.Mode {
		case model.ModeCloud:
			snap.CloudRuns++
		case model.ModeOffline:
			snap.OfflineRuns++
		}
		snap.EstimatedCost += s.Estimate.StorageCost + s.Estimate.ComputeCost
		for _, t := range s.Tiles {
			snap.TilesTotal++
			switch t.Status {
			case model.TileStatusFailed:
				snap.TilesFailed++
			case model.TileStatusSkipped:
				snap.TilesSkipped++
			case model.TileStatusDispatched:
				snap.ScenesDispatched += t.NScenes
			}
		}
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.TilesTotal > 0 {
		snap.TileFailRate = float64(snap.TilesFailed) / float64(snap.TilesTotal)
	}

	dlqCount, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	return snap, nil
}
