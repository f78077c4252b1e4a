// Package scene selects the observations over a region that pass an ordered
// list of threshold and enrichment stages.
package scene

import (
	"time"

	"github.com/sells-group/clearwater/internal/collection"
	"github.com/sells-group/clearwater/internal/config"
	"github.com/sells-group/clearwater/pkg/compute"
)

// Attribute names. CloudProperty is read from the primary collection; the
// others are derived by enrichment stages.
const (
	CloudProperty = "CLOUDY_PIXEL_PERCENTAGE"
	AttrChla      = "chla"
	AttrWind      = "wind_speed"
	AttrTide      = "tidal_state"
)

// Stage narrows the candidate set. Implementations are ThresholdStage and
// EnrichmentStage.
type Stage interface {
	// Name identifies the stage in logs and the required list.
	Name() string
	// Attribute is the property the stage thresholds on.
	Attribute() string
	apply(q collection.Query) collection.Query
}

// ThresholdStage compares an existing attribute against Limit. A missing
// value passes unless Required is set.
type ThresholdStage struct {
	Label      string
	Property   string
	Comparator string
	Limit      float64
	Required   bool
}

// Name implements Stage.
func (s ThresholdStage) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Property
}

// Attribute implements Stage.
func (s ThresholdStage) Attribute() string { return s.Property }

func (s ThresholdStage) apply(q collection.Query) collection.Query {
	return q.Filter(s.Property, s.Comparator, s.Limit, !s.Required)
}

// Window is an offset range relative to the candidate's timestamp. A static
// window matches every image of a time-invariant source.
type Window struct {
	Start  time.Duration
	End    time.Duration
	Static bool
}

// EnrichmentStage derives Property from a secondary source, then applies the
// embedded threshold to it.
type EnrichmentStage struct {
	ThresholdStage
	Source          string
	Bands           []string
	Magnitude       bool
	Window          Window
	TemporalReducer string
	SpatialReducer  string
	ScaleMeters     float64
	Multiplier      float64
}

func (s EnrichmentStage) apply(q collection.Query) collection.Query {
	q = q.Enrich(compute.Enrichment{
		Property:        s.Property,
		Collection:      s.Source,
		Bands:           s.Bands,
		Magnitude:       s.Magnitude,
		Static:          s.Window.Static,
		WindowStartSecs: int64(s.Window.Start / time.Second),
		WindowEndSecs:   int64(s.Window.End / time.Second),
		TemporalReducer: s.TemporalReducer,
		SpatialReducer:  s.SpatialReducer,
		ScaleMeters:     s.ScaleMeters,
		Multiplier:      s.Multiplier,
	})
	return s.ThresholdStage.apply(q)
}

// DefaultStages builds the cloud, chlorophyll, wind and tide stages from
// configuration, in that order. The cloud stage is always present and
// required; an optional threshold <= 0 drops its stage.
func DefaultStages(f config.FilterConfig, src config.SourcesConfig) []Stage {
	stages := []Stage{ThresholdStage{
		Label:      "cloud",
		Property:   CloudProperty,
		Comparator: f.Comparator,
		Limit:      f.CloudThresh,
		Required:   true,
	}}

	for _, e := range []struct {
		label string
		attr  string
		limit float64
		src   config.SourceConfig
	}{
		{"chla", AttrChla, f.ChlaThresh, src.Chla},
		{"wind", AttrWind, f.WindThresh, src.Wind},
		{"tide", AttrTide, f.TidalThresh, src.Tide},
	} {
		if e.limit <= 0 || e.src.Collection == "" {
			continue
		}
		stages = append(stages, EnrichmentStage{
			ThresholdStage: ThresholdStage{
				Label:      e.label,
				Property:   e.attr,
				Comparator: f.Comparator,
				Limit:      e.limit,
				Required:   f.IsRequired(e.label),
			},
			Source:    e.src.Collection,
			Bands:     e.src.Bands,
			Magnitude: e.src.Magnitude,
			Window: Window{
				Start:  e.src.WindowStart,
				End:    e.src.WindowEnd,
				Static: e.src.Static,
			},
			TemporalReducer: e.src.TemporalReducer,
			SpatialReducer:  e.src.SpatialReducer,
			ScaleMeters:     e.src.ScaleMeters,
			Multiplier:      e.src.Multiplier,
		})
	}
	return stages
}
