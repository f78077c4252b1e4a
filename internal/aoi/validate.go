package aoi

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/rotisserie/eris"

	"github.com/sells-group/clearwater/internal/model"
)

// Validate checks that a is a non-empty, simple polygonal geometry in
// geographic coordinates. Every ring must be closed with at least four
// points and non-zero area, and must not cross itself or another ring of
// the same polygon.
func Validate(a model.AreaOfInterest) error {
	if a.IsEmpty() {
		return eris.Wrap(model.ErrConfiguration, "aoi: empty geometry")
	}
	if a.CRS != "" && a.CRS != model.CRSWGS84 {
		return eris.Wrapf(model.ErrConfiguration, "aoi: unsupported crs %q", a.CRS)
	}

	for pi, poly := range a.Geometry {
		if len(poly) == 0 {
			return eris.Wrapf(model.ErrConfiguration, "aoi: polygon %d has no rings", pi)
		}
		for ri, ring := range poly {
			if len(ring) < 4 {
				return eris.Wrapf(model.ErrConfiguration, "aoi: polygon %d ring %d has %d points, need at least 4", pi, ri, len(ring))
			}
			if !ring.Closed() {
				return eris.Wrapf(model.ErrConfiguration, "aoi: polygon %d ring %d is not closed", pi, ri)
			}
			for _, p := range ring {
				if !validLonLat(p) {
					return eris.Wrapf(model.ErrConfiguration, "aoi: polygon %d has coordinate %v outside geographic range", pi, p)
				}
			}
			if planar.Area(ring) == 0 {
				return eris.Wrapf(model.ErrConfiguration, "aoi: polygon %d ring %d has zero area", pi, ri)
			}
			if selfIntersects(ring) {
				return eris.Wrapf(model.ErrConfiguration, "aoi: polygon %d ring %d self-intersects", pi, ri)
			}
		}
		for i := 0; i < len(poly); i++ {
			for j := i + 1; j < len(poly); j++ {
				if ringsCross(poly[i], poly[j]) {
					return eris.Wrapf(model.ErrConfiguration, "aoi: polygon %d rings %d and %d intersect", pi, i, j)
				}
			}
		}
	}
	return nil
}

func validLonLat(p orb.Point) bool {
	x, y := p[0], p[1]
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return false
	}
	return x >= -180 && x <= 180 && y >= -90 && y <= 90
}

// selfIntersects reports whether any two non-adjacent edges of a closed
// ring touch or cross.
func selfIntersects(ring orb.Ring) bool {
	r := dedupe(ring)
	n := len(r) - 1
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(r[i], r[i+1], r[j], r[j+1]) {
				return true
			}
		}
	}
	return false
}

// dedupe drops consecutive repeated points.
func dedupe(r orb.Ring) orb.Ring {
	out := make(orb.Ring, 0, len(r))
	for i, p := range r {
		if i > 0 && p.Equal(r[i-1]) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ringsCross reports whether edges of two rings properly cross. Shared
// vertices are allowed.
func ringsCross(a, b orb.Ring) bool {
	for i := 0; i+1 < len(a); i++ {
		for j := 0; j+1 < len(b); j++ {
			if segmentsCross(a[i], a[i+1], b[j], b[j+1]) {
				return true
			}
		}
	}
	return false
}

func orient(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

func segmentsIntersect(p1, p2, p3, p4 orb.Point) bool {
	d1 := sign(orient(p3, p4, p1))
	d2 := sign(orient(p3, p4, p2))
	d3 := sign(orient(p1, p2, p3))
	d4 := sign(orient(p1, p2, p4))

	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	return (d1 == 0 && onSegment(p3, p4, p1)) ||
		(d2 == 0 && onSegment(p3, p4, p2)) ||
		(d3 == 0 && onSegment(p1, p2, p3)) ||
		(d4 == 0 && onSegment(p1, p2, p4))
}

func segmentsCross(p1, p2, p3, p4 orb.Point) bool {
	d1 := sign(orient(p3, p4, p1))
	d2 := sign(orient(p3, p4, p2))
	d3 := sign(orient(p1, p2, p3))
	d4 := sign(orient(p1, p2, p4))
	return d1*d2 < 0 && d3*d4 < 0
}
