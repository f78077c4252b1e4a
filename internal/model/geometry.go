package model

import (
	"github.com/paulmach/orb"
)

// CRSWGS84 is the geographic reference system every AOI and tile is stored in.
const CRSWGS84 = "EPSG:4326"

// AreaOfInterest is the user-specified region to process. It is immutable
// once loaded; buffering produces a new value.
type AreaOfInterest struct {
	Name     string           `json:"name"`
	Geometry orb.MultiPolygon `json:"-"`
	CRS      string           `json:"crs"`
}

// Bound returns the bounding box of the AOI geometry.
func (a AreaOfInterest) Bound() orb.Bound {
	return a.Geometry.Bound()
}

// IsEmpty reports whether the AOI carries no polygons.
func (a AreaOfInterest) IsEmpty() bool {
	return len(a.Geometry) == 0
}

// Tile is a bounded sub-region of the AOI sized for independent processing.
// Geometry is the intersection of a grid cell with the AOI.
type Tile struct {
	ID       string           `json:"id"`
	Row      int              `json:"row"`
	Col      int              `json:"col"`
	Geometry orb.MultiPolygon `json:"-"`
	CRS      string           `json:"crs"`
	AreaKM2  float64          `json:"area_km2"`
}
