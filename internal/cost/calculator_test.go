package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/clearwater/internal/model"
)

func testCoefficients() Coefficients {
	return Coefficients{
		SceneSizeGB:     0.5,
		CPUHoursPerTile: 0.25,
		StorageCostGB:   0.02,
		ComputeCostHr:   0.10,
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tiles   []model.TileStats
		storage float64
		cpu     float64
	}{
		{
			name:    "single tile ten scenes",
			tiles:   []model.TileStats{{ID: "r0000c0000", NScenes: 10}},
			storage: 5.0,
			cpu:     0.25,
		},
		{
			name: "sum over tiles",
			tiles: []model.TileStats{
				{ID: "r0000c0000", NScenes: 10},
				{ID: "r0000c0001", NScenes: 4},
				{ID: "r0001c0000", NScenes: 0},
			},
			storage: 7.0,
			cpu:     0.75, // empty tiles still count
		},
		{
			name:    "no tiles",
			storage: 0,
			cpu:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Estimate(tt.tiles, testCoefficients())
			assert.InDelta(t, tt.storage, got.StorageGB, 1e-9)
			assert.InDelta(t, tt.cpu, got.CPUHours, 1e-9)
			assert.InDelta(t, tt.storage*0.02, got.StorageCost, 1e-9)
			assert.InDelta(t, tt.cpu*0.10, got.ComputeCost, 1e-9)
		})
	}
}

func TestEstimate_Linear(t *testing.T) {
	t.Parallel()
	c := testCoefficients()

	one := []model.TileStats{{ID: "a", NScenes: 3}, {ID: "b", NScenes: 5}}
	two := append(append([]model.TileStats{}, one...), one...)

	e1 := Estimate(one, c)
	e2 := Estimate(two, c)
	assert.InDelta(t, 2*e1.CPUHours, e2.CPUHours, 1e-9)
	assert.InDelta(t, 2*e1.StorageGB, e2.StorageGB, 1e-9)
	assert.InDelta(t, 2*Total(e1), Total(e2), 1e-9)
}

func TestEstimateTile(t *testing.T) {
	t.Parallel()
	got := EstimateTile(model.TileStats{ID: "r0000c0000", NScenes: 2}, testCoefficients())
	assert.InDelta(t, 1.0, got.StorageGB, 1e-9)
	assert.InDelta(t, 0.25, got.CPUHours, 1e-9)
}

func TestSelectMode(t *testing.T) {
	t.Parallel()
	th := Thresholds{StorageGB: 50, CPUHours: 4}
	cloud := model.ModeCloud
	offline := model.ModeOffline

	tests := []struct {
		name     string
		est      model.ResourceEstimate
		override *model.ExecutionMode
		want     model.ExecutionMode
	}{
		{"storage over threshold", model.ResourceEstimate{StorageGB: 60, CPUHours: 2}, nil, model.ModeCloud},
		{"cpu over threshold", model.ResourceEstimate{StorageGB: 1, CPUHours: 4.5}, nil, model.ModeCloud},
		{"both under", model.ResourceEstimate{StorageGB: 10, CPUHours: 1}, nil, model.ModeOffline},
		{"at threshold is not over", model.ResourceEstimate{StorageGB: 50, CPUHours: 4}, nil, model.ModeOffline},
		{"override offline wins", model.ResourceEstimate{StorageGB: 1e6, CPUHours: 1e6}, &offline, model.ModeOffline},
		{"override cloud wins", model.ResourceEstimate{}, &cloud, model.ModeCloud},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SelectMode(tt.est, th, tt.override))
		})
	}
}

func TestSelectMode_UsesConfiguredThresholds(t *testing.T) {
	t.Parallel()
	est := model.ResourceEstimate{StorageGB: 20, CPUHours: 1}
	assert.Equal(t, model.ModeOffline, SelectMode(est, DefaultThresholds(), nil))
	assert.Equal(t, model.ModeCloud, SelectMode(est, Thresholds{StorageGB: 10, CPUHours: 4}, nil))
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 0.55, DefaultCoefficients().SceneSizeGB, 1e-9)
	assert.InDelta(t, 50, DefaultThresholds().StorageGB, 1e-9)
}
