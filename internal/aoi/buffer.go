package aoi

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"

	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/tiling"
)

// bufferSegments is the number of vertices used to approximate each corner arc.
const bufferSegments = 32

// Buffer returns a new AOI expanded outward by km kilometres. Each polygon is
// replaced by the convex hull of its outer ring dilated by a circumscribed
// circle, and overlapping hulls are merged, so the result always contains the
// exact buffer. Holes are filled. The input is not modified.
func Buffer(a model.AreaOfInterest, km float64) (model.AreaOfInterest, error) {
	if km < 0 || math.IsNaN(km) {
		return model.AreaOfInterest{}, eris.Wrapf(model.ErrConfiguration, "aoi: buffer distance must be >= 0, got %v", km)
	}
	if a.IsEmpty() {
		return model.AreaOfInterest{}, eris.Wrap(model.ErrConfiguration, "aoi: buffer of empty geometry")
	}
	out := model.AreaOfInterest{Name: a.Name, CRS: a.CRS, Geometry: a.Geometry.Clone()}
	if km == 0 {
		return out, nil
	}

	proj := tiling.Local(a.Bound().Center())
	projected := proj.ProjectMultiPolygon(a.Geometry)
	radius := km * 1000 / math.Cos(math.Pi/bufferSegments)

	hulls := make([]orb.Polygon, 0, len(projected))
	for _, poly := range projected {
		if len(poly) == 0 {
			continue
		}
		h, err := dilatedHull(poly[0], radius)
		if err != nil {
			return model.AreaOfInterest{}, err
		}
		hulls = append(hulls, h)
	}

	merged, err := mergeOverlapping(hulls)
	if err != nil {
		return model.AreaOfInterest{}, err
	}
	out.Geometry = proj.UnprojectMultiPolygon(orb.MultiPolygon(merged))
	return out, nil
}

func dilatedHull(ring orb.Ring, radius float64) (orb.Polygon, error) {
	flat := make([]float64, 0, len(ring)*bufferSegments*2)
	for _, p := range ring {
		for k := 0; k < bufferSegments; k++ {
			theta := 2 * math.Pi * float64(k) / bufferSegments
			flat = append(flat, p[0]+radius*math.Cos(theta), p[1]+radius*math.Sin(theta))
		}
	}
	return convexHull(flat)
}

func convexHull(flat []float64) (orb.Polygon, error) {
	hull, ok := xy.ConvexHullFlat(geom.XY, flat).(*geom.Polygon)
	if !ok || hull.NumLinearRings() == 0 {
		return nil, eris.Wrap(model.ErrConfiguration, "aoi: degenerate buffer hull")
	}
	coords := hull.LinearRing(0).FlatCoords()
	ring := make(orb.Ring, 0, len(coords)/2+1)
	for i := 0; i+1 < len(coords); i += 2 {
		ring = append(ring, orb.Point{coords[i], coords[i+1]})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	if ring.Orientation() == orb.CW {
		ring.Reverse()
	}
	return orb.Polygon{ring}, nil
}

// mergeOverlapping replaces every pair of intersecting convex polygons by
// their joint hull until the set is pairwise disjoint.
func mergeOverlapping(hulls []orb.Polygon) ([]orb.Polygon, error) {
	for {
		i, j := overlappingPair(hulls)
		if i < 0 {
			return hulls, nil
		}
		var flat []float64
		for _, p := range hulls[i][0] {
			flat = append(flat, p[0], p[1])
		}
		for _, p := range hulls[j][0] {
			flat = append(flat, p[0], p[1])
		}
		joined, err := convexHull(flat)
		if err != nil {
			return nil, err
		}
		hulls[i] = joined
		hulls = append(hulls[:j], hulls[j+1:]...)
	}
}

func overlappingPair(hulls []orb.Polygon) (int, int) {
	for i := 0; i < len(hulls); i++ {
		for j := i + 1; j < len(hulls); j++ {
			if convexOverlap(hulls[i][0], hulls[j][0]) {
				return i, j
			}
		}
	}
	return -1, -1
}

func convexOverlap(a, b orb.Ring) bool {
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	if planar.RingContains(b, a[0]) || planar.RingContains(a, b[0]) {
		return true
	}
	for i := 0; i+1 < len(a); i++ {
		for j := 0; j+1 < len(b); j++ {
			if segmentsIntersect(a[i], a[i+1], b[j], b[j+1]) {
				return true
			}
		}
	}
	return false
}
