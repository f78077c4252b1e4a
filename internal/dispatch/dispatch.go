// Package dispatch submits one processing job per tile to the cloud export
// service or to a local ACOLITE run.
package dispatch

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clearwater/internal/model"
)

// Job is the work for one tile.
type Job struct {
	RunID     string
	Tile      model.Tile
	Mode      model.ExecutionMode
	TimeRange model.TimeRange
	Scenes    []model.ObservationRecord
	Estimate  model.ResourceEstimate
}

// SceneIDs returns the ids of the job's scenes in order.
func (j Job) SceneIDs() []string {
	ids := make([]string, len(j.Scenes))
	for i, s := range j.Scenes {
		ids[i] = s.ID
	}
	return ids
}

// Result identifies a started job. It echoes the tile and mode.
type Result struct {
	TileID string              `json:"tile_id"`
	Mode   model.ExecutionMode `json:"mode"`
	JobID  string              `json:"job_id"`
}

// Dispatcher starts a job. Started jobs are not tracked further; errors wrap
// model.ErrDispatch.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) (Result, error)
}

// Set holds one dispatcher per execution mode.
type Set struct {
	Cloud   Dispatcher
	Offline Dispatcher
}

// For returns the dispatcher for mode.
func (s Set) For(mode model.ExecutionMode) (Dispatcher, error) {
	switch mode {
	case model.ModeCloud:
		if s.Cloud != nil {
			return s.Cloud, nil
		}
	case model.ModeOffline:
		if s.Offline != nil {
			return s.Offline, nil
		}
	}
	return nil, eris.Wrapf(model.ErrConfiguration, "dispatch: no dispatcher for mode %q", mode)
}
