package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/resilience"
)

// ErrNotFound is returned when a run or dead letter entry does not exist.
var ErrNotFound = eris.New("not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	AOI    string          `json:"aoi,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// TileResult is a tile's geometry and outcome within one run.
type TileResult struct {
	RunID   string            `json:"run_id"`
	Tile    model.Tile        `json:"tile"`
	Summary model.TileSummary `json:"summary"`
}

// CachedSelection is a previously computed scene selection for one tile.
type CachedSelection struct {
	TileID    string                    `json:"tile_id"`
	PlanHash  string                    `json:"plan_hash"`
	Records   []model.ObservationRecord `json:"records"`
	CachedAt  time.Time                 `json:"cached_at"`
	ExpiresAt time.Time                 `json:"expires_at"`
}

// Store defines the persistence interface for runs, tile results, the
// selection cache, and the dead letter queue.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, aoi string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error
	FailRun(ctx context.Context, runID string, reason string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Tile results
	SaveTileResults(ctx context.Context, results []TileResult) error
	ListTileResults(ctx context.Context, runID string) ([]TileResult, error)

	// Selection cache
	GetCachedSelection(ctx context.Context, tileID, planHash string) (*CachedSelection, error)
	SetCachedSelection(ctx context.Context, tileID, planHash string, records []model.ObservationRecord, ttl time.Duration) error
	DeleteExpiredSelections(ctx context.Context) (int, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// PlanHash returns a stable hex digest of v's JSON encoding. Selection cache
// entries are keyed by tile id and the hash of the plan that produced them.
func PlanHash(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal plan")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
