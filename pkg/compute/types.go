package compute

import (
	"fmt"

	"github.com/paulmach/orb/geojson"

	"github.com/sells-group/clearwater/internal/resilience"
)

// FillValue marks a missing numeric value in evaluation columns.
const FillValue = -9999.0

// Well-known column names in evaluation results.
const (
	ColumnID   = "system:index"
	ColumnTime = "system:time_start"
)

// Plan is a deferred query over one image collection. Steps run in order
// after the date and region filters; Sort and Limit run last.
type Plan struct {
	Collection string            `json:"collection"`
	Region     *geojson.Geometry `json:"region,omitempty"`
	StartMs    int64             `json:"start_ms"`
	EndMs      int64             `json:"end_ms"`
	Steps      []Step            `json:"steps,omitempty"`
	SortBy     string            `json:"sort_by,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// Step is either a property filter or an enrichment.
type Step struct {
	Filter *Filter     `json:"filter,omitempty"`
	Enrich *Enrichment `json:"enrich,omitempty"`
}

// Filter keeps images whose property compares true against Value. Images with
// a missing property are kept when KeepMissing is set.
type Filter struct {
	Property    string  `json:"property"`
	Op          string  `json:"op"`
	Value       float64 `json:"value"`
	KeepMissing bool    `json:"keep_missing"`
}

// Enrichment derives a numeric property from a secondary collection. For each
// primary image at time t, images of Collection in [t+WindowStart, t+WindowEnd)
// (or all images when Static) are reduced over time, then over the region at
// ScaleMeters, then multiplied by Multiplier. With Magnitude set, Bands[0]
// and Bands[1] are combined as sqrt(a*a+b*b) in each image before the
// temporal reduction.
type Enrichment struct {
	Property        string   `json:"property"`
	Collection      string   `json:"collection"`
	Bands           []string `json:"bands"`
	Magnitude       bool     `json:"magnitude,omitempty"`
	Static          bool     `json:"static,omitempty"`
	WindowStartSecs int64    `json:"window_start_secs"`
	WindowEndSecs   int64    `json:"window_end_secs"`
	TemporalReducer string   `json:"temporal_reducer"`
	SpatialReducer  string   `json:"spatial_reducer"`
	ScaleMeters     float64  `json:"scale_meters"`
	Multiplier      float64  `json:"multiplier"`
}

// EvaluateRequest is the body for POST /v1/evaluate.
type EvaluateRequest struct {
	Plan   Plan     `json:"plan"`
	Fields []string `json:"fields"`
}

// EvaluateResponse is the response from POST /v1/evaluate. Every column has
// one entry per row; missing numbers are FillValue.
type EvaluateResponse struct {
	Columns map[string][]any `json:"columns"`
}

// Rows returns the number of rows in the response.
func (r *EvaluateResponse) Rows() int {
	for _, col := range r.Columns {
		return len(col)
	}
	return 0
}

// ExportRequest is the body for POST /v1/exports.
type ExportRequest struct {
	Description           string            `json:"description"`
	TileID                string            `json:"tile_id"`
	Mode                  string            `json:"mode"`
	Collection            string            `json:"collection"`
	ImageIDs              []string          `json:"image_ids"`
	Region                *geojson.Geometry `json:"region"`
	Bucket                string            `json:"bucket"`
	Prefix                string            `json:"prefix"`
	ScaleMeters           float64           `json:"scale_meters"`
	CRS                   string            `json:"crs"`
	Format                string            `json:"format"`
	WaterOccurrenceThresh float64           `json:"water_occurrence_thresh"`
}

// Task states reported by the service.
const (
	TaskReady     = "READY"
	TaskRunning   = "RUNNING"
	TaskCompleted = "COMPLETED"
	TaskFailed    = "FAILED"
	TaskCancelled = "CANCELLED"
)

// Task is a long-running export on the service.
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	State       string `json:"state"`
	Error       string `json:"error,omitempty"`
}

// Active reports whether the task still occupies a queue slot.
func (t Task) Active() bool {
	return t.State == TaskReady || t.State == TaskRunning
}

// TaskList is the response from GET /v1/tasks.
type TaskList struct {
	Tasks []Task `json:"tasks"`
}

// APIError is returned when the compute service responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("compute: HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return resilience.IsTransientHTTPStatus(e.StatusCode)
}
