package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/clearwater/internal/model"
)

var (
	// runsTotal counts finished runs by final status.
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearwater_runs_total",
			Help: "Total number of finished runs",
		},
		[]string{"status", "mode"},
	)

	// tilesTotal counts tile outcomes.
	tilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearwater_tiles_total",
			Help: "Total number of tiles processed, by outcome",
		},
		[]string{"status", "phase"},
	)

	// scenesSelected tracks how many observations survive selection per tile.
	scenesSelected = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clearwater_scenes_selected",
			Help:    "Observations selected per tile",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// selectDuration tracks per-tile selection latency, including the remote round trip.
	selectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clearwater_select_duration_seconds",
			Help:    "Per-tile scene selection duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	// cacheLookups counts selection cache hits and misses.
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearwater_selection_cache_lookups_total",
			Help: "Selection cache lookups by result",
		},
		[]string{"result"},
	)

	// dispatchTotal counts dispatched jobs by mode and result.
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearwater_dispatch_total",
			Help: "Total number of dispatch attempts",
		},
		[]string{"mode", "result"},
	)

	// capacityWaits counts polls that found the remote task queue full.
	capacityWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clearwater_capacity_waits_total",
			Help: "Number of times dispatch waited for remote task capacity",
		},
	)

	// estimateGauge reports the most recent run's resource estimate.
	estimateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clearwater_last_estimate",
			Help: "Resource estimate of the most recent run",
		},
		[]string{"resource"},
	)

	// dlqDepth reports the dead letter queue size as of the last check.
	dlqDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clearwater_dlq_depth",
			Help: "Number of entries in the dead letter queue",
		},
	)
)

// RecordRun records a finished run and its estimate.
func RecordRun(status model.RunStatus, mode model.ExecutionMode, est model.ResourceEstimate) {
	runsTotal.WithLabelValues(string(status), string(mode)).Inc()
	estimateGauge.WithLabelValues("storage_gb").Set(est.StorageGB)
	estimateGauge.WithLabelValues("cpu_hours").Set(est.CPUHours)
	estimateGauge.WithLabelValues("cost_usd").Set(est.StorageCost + est.ComputeCost)
}

// RecordTile records one tile outcome. phase is empty for successes.
func RecordTile(status model.TileStatus, phase string) {
	tilesTotal.WithLabelValues(string(status), phase).Inc()
}

// RecordSelection records one tile's selection.
func RecordSelection(n int, d time.Duration) {
	scenesSelected.Observe(float64(n))
	selectDuration.Observe(d.Seconds())
}

// RecordCacheLookup records a selection cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

// RecordDispatch records a dispatch attempt.
func RecordDispatch(mode model.ExecutionMode, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	dispatchTotal.WithLabelValues(string(mode), result).Inc()
}

// RecordCapacityWait records one full-queue poll.
func RecordCapacityWait() {
	capacityWaits.Inc()
}

// SetDLQDepth updates the dead letter queue gauge.
func SetDLQDepth(n int) {
	dlqDepth.Set(float64(n))
}
