package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ExecutionMode is the processing strategy chosen for a run.
type ExecutionMode string

const (
	ModeCloud   ExecutionMode = "cloud"
	ModeOffline ExecutionMode = "offline"
)

// ParseExecutionMode parses "cloud" or "offline" (case-insensitive).
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCloud:
		return ModeCloud, nil
	case ModeOffline:
		return ModeOffline, nil
	default:
		return "", eris.Wrapf(ErrConfiguration, "unknown execution mode %q", s)
	}
}

// ResourceEstimate is the storage and compute cost of processing a set of tiles.
type ResourceEstimate struct {
	StorageGB   float64 `json:"storage_gb"`
	CPUHours    float64 `json:"cpu_hours"`
	StorageCost float64 `json:"storage_cost"`
	ComputeCost float64 `json:"compute_cost"`
}

// TileStats is the per-tile input to the resource estimator.
type TileStats struct {
	ID      string `json:"id"`
	NScenes int    `json:"n_scenes"`
}

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusQueued      RunStatus = "queued"
	RunStatusSelecting   RunStatus = "selecting"
	RunStatusDispatching RunStatus = "dispatching"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
)

// TileStatus is the outcome of one tile within a run.
type TileStatus string

const (
	TileStatusPlanned    TileStatus = "planned"
	TileStatusDispatched TileStatus = "dispatched"
	TileStatusSkipped    TileStatus = "skipped"
	TileStatusFailed     TileStatus = "failed"
)

// TileSummary is one row of the machine-readable run summary.
type TileSummary struct {
	TileID      string           `json:"tile_id"`
	NScenes     int              `json:"n_scenes"`
	MedianCloud *float64         `json:"median_cloud"`
	MedianChla  *float64         `json:"median_chla"`
	MedianWind  *float64         `json:"median_wind"`
	Mode        ExecutionMode    `json:"mode"`
	Status      TileStatus       `json:"status"`
	FailedPhase string           `json:"failed_phase,omitempty"`
	Error       string           `json:"error,omitempty"`
	JobID       string           `json:"job_id,omitempty"`
	Estimate    ResourceEstimate `json:"estimate"`
}

// RunSummary is the result of a full run, ordered by tile id.
type RunSummary struct {
	RunID      string           `json:"run_id"`
	AOI        string           `json:"aoi"`
	TimeRange  TimeRange        `json:"time_range"`
	Mode       ExecutionMode    `json:"mode"`
	Overridden bool             `json:"overridden"`
	Estimate   ResourceEstimate `json:"estimate"`
	Tiles      []TileSummary    `json:"tiles"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Failed returns the number of tiles that failed in either phase.
func (s *RunSummary) Failed() int {
	n := 0
	for _, t := range s.Tiles {
		if t.Status == TileStatusFailed {
			n++
		}
	}
	return n
}

// Run is a persisted pipeline run.
type Run struct {
	ID        string      `json:"id"`
	AOI       string      `json:"aoi"`
	Status    RunStatus   `json:"status"`
	Summary   *RunSummary `json:"summary,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
