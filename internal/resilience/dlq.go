package resilience

import (
	"time"
)

// Error classes recorded on dead-letter entries.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// DLQEntry records a tile that failed during a run so it can be retried.
type DLQEntry struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	TileID       string    `json:"tile_id"`
	Phase        string    `json:"phase"` // "select" or "dispatch"
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	RunID     string `json:"run_id,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as transient or permanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}
