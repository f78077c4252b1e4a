package model

import "time"

// ObservationRecord is one selected scene with the attributes computed for it.
// A nil attribute means it was not requested or could not be computed.
type ObservationRecord struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	CloudPct   float64   `json:"cloud_pct"`
	Chla       *float64  `json:"chla"`
	WindSpeed  *float64  `json:"wind_speed"`
	TidalState *float64  `json:"tidal_state"`
}

// TimeRange is a half-open [Start, End) interval.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether the range is non-empty.
func (r TimeRange) Valid() bool {
	return !r.Start.IsZero() && !r.End.IsZero() && r.End.After(r.Start)
}

// Float returns a pointer to v, for building records and fixtures.
func Float(v float64) *float64 {
	return &v
}
