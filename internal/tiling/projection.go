package tiling

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/rotisserie/eris"

	"github.com/sells-group/clearwater/internal/model"
)

// EarthRadiusMeters is the mean Earth radius used by the local projection.
const EarthRadiusMeters = 6371008.8

// Projection names accepted by ProjectionFor.
const (
	ProjectionLocal       = "local"
	ProjectionWebMercator = "web_mercator"
)

// Projection maps geographic coordinates to a planar CRS in meters and back.
type Projection struct {
	Name    string
	Forward func(orb.Point) orb.Point
	Inverse func(orb.Point) orb.Point
}

// ProjectMultiPolygon returns a projected copy of mp.
func (p Projection) ProjectMultiPolygon(mp orb.MultiPolygon) orb.MultiPolygon {
	return project.MultiPolygon(mp.Clone(), p.Forward)
}

// UnprojectMultiPolygon returns a geographic copy of a projected mp.
func (p Projection) UnprojectMultiPolygon(mp orb.MultiPolygon) orb.MultiPolygon {
	return project.MultiPolygon(mp.Clone(), p.Inverse)
}

// Local returns an equirectangular projection centred on center. Distances
// are true along the central meridian and parallel, and close to true over
// AOI-sized extents.
func Local(center orb.Point) Projection {
	lon0, lat0 := center.Lon(), center.Lat()
	k := EarthRadiusMeters * math.Pi / 180
	cos0 := math.Cos(lat0 * math.Pi / 180)
	if cos0 < 1e-6 {
		cos0 = 1e-6
	}
	return Projection{
		Name: ProjectionLocal,
		Forward: func(p orb.Point) orb.Point {
			return orb.Point{(p[0] - lon0) * k * cos0, (p[1] - lat0) * k}
		},
		Inverse: func(p orb.Point) orb.Point {
			return orb.Point{p[0]/(k*cos0) + lon0, p[1]/k + lat0}
		},
	}
}

// WebMercator returns the spherical mercator projection (EPSG:3857).
func WebMercator() Projection {
	return Projection{
		Name:    ProjectionWebMercator,
		Forward: project.WGS84.ToMercator,
		Inverse: project.Mercator.ToWGS84,
	}
}

// ProjectionFor resolves a configured projection name for an AOI extent.
func ProjectionFor(name string, bound orb.Bound) (Projection, error) {
	switch name {
	case "", ProjectionLocal:
		return Local(bound.Center()), nil
	case ProjectionWebMercator:
		return WebMercator(), nil
	default:
		return Projection{}, eris.Wrapf(model.ErrConfiguration, "tiling: unknown projection %q", name)
	}
}
