// Package cost estimates storage and compute for a set of tiles and picks the
// execution mode from the estimate.
package cost

import (
	"github.com/sells-group/clearwater/internal/model"
)

// Coefficients holds the linear cost model.
type Coefficients struct {
	SceneSizeGB     float64 `yaml:"scene_size_gb" mapstructure:"scene_size_gb"`
	CPUHoursPerTile float64 `yaml:"cpu_hours_per_tile" mapstructure:"cpu_hours_per_tile"`
	StorageCostGB   float64 `yaml:"storage_cost_gb" mapstructure:"storage_cost_gb"`
	ComputeCostHr   float64 `yaml:"compute_cost_hr" mapstructure:"compute_cost_hr"`
}

// Thresholds decide between cloud and offline execution.
type Thresholds struct {
	StorageGB float64 `yaml:"storage_gb_threshold" mapstructure:"storage_gb_threshold"`
	CPUHours  float64 `yaml:"cpu_hours_threshold" mapstructure:"cpu_hours_threshold"`
}

// DefaultCoefficients returns the default cost model. The config layer
// seeds its cost.* defaults from it.
func DefaultCoefficients() Coefficients {
	return Coefficients{
		SceneSizeGB:     0.55,
		CPUHoursPerTile: 0.12,
		StorageCostGB:   0.023,
		ComputeCostHr:   0.048,
	}
}

// DefaultThresholds returns the default mode thresholds: 50 GB, 4 CPU-hours.
func DefaultThresholds() Thresholds {
	return Thresholds{StorageGB: 50, CPUHours: 4}
}

// Estimate aggregates storage and compute over all tiles. Every tile counts
// toward compute, including tiles with no scenes.
func Estimate(tiles []model.TileStats, c Coefficients) model.ResourceEstimate {
	scenes := 0
	for _, t := range tiles {
		scenes += t.NScenes
	}
	return build(float64(scenes)*c.SceneSizeGB, float64(len(tiles))*c.CPUHoursPerTile, c)
}

// EstimateTile estimates a single tile.
func EstimateTile(t model.TileStats, c Coefficients) model.ResourceEstimate {
	return Estimate([]model.TileStats{t}, c)
}

func build(storageGB, cpuHours float64, c Coefficients) model.ResourceEstimate {
	return model.ResourceEstimate{
		StorageGB:   storageGB,
		CPUHours:    cpuHours,
		StorageCost: storageGB * c.StorageCostGB,
		ComputeCost: cpuHours * c.ComputeCostHr,
	}
}

// SelectMode returns override when set. Otherwise it returns cloud when
// either storage or compute exceeds its threshold, and offline when neither
// does.
func SelectMode(est model.ResourceEstimate, th Thresholds, override *model.ExecutionMode) model.ExecutionMode {
	if override != nil {
		return *override
	}
	if est.StorageGB > th.StorageGB || est.CPUHours > th.CPUHours {
		return model.ModeCloud
	}
	return model.ModeOffline
}

// Total returns the combined storage and compute cost.
func Total(est model.ResourceEstimate) float64 {
	return est.StorageCost + est.ComputeCost
}
