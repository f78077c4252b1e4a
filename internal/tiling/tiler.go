// Package tiling partitions an AOI into a regular grid of processing tiles.
package tiling

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/clip/smartclip"
	"github.com/paulmach/orb/planar"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clearwater/internal/model"
)

// MaxCells bounds the grid size so a typo in tile size cannot exhaust memory.
const MaxCells = 1_000_000

// relativeAreaEpsilon is the fraction of a cell's area below which a clipped
// cell counts as touching only.
const relativeAreaEpsilon = 1e-9

type options struct {
	projection string
}

// Option configures Tile.
type Option func(*options)

// WithProjection selects the planar projection by name (local or web_mercator).
func WithProjection(name string) Option {
	return func(o *options) { o.projection = name }
}

// ID returns the deterministic tile id for a grid position.
func ID(row, col int) string {
	return fmt.Sprintf("r%04dc%04d", row, col)
}

// Tile lays a grid of sizeMeters square cells over the AOI's projected
// bounding box, row-major from the minimum corner, and returns every cell's
// non-empty intersection with the AOI in the AOI's CRS. Output order and ids
// depend only on the AOI and size.
func Tile(a model.AreaOfInterest, sizeMeters float64, opts ...Option) ([]model.Tile, error) {
	if sizeMeters <= 0 || math.IsNaN(sizeMeters) || math.IsInf(sizeMeters, 0) {
		return nil, eris.Wrapf(model.ErrConfiguration, "tiling: tile size must be > 0, got %v", sizeMeters)
	}
	if a.IsEmpty() {
		return nil, eris.Wrap(model.ErrConfiguration, "tiling: empty AOI")
	}

	o := options{projection: ProjectionLocal}
	for _, opt := range opts {
		opt(&o)
	}
	proj, err := ProjectionFor(o.projection, a.Bound())
	if err != nil {
		return nil, err
	}

	projected := proj.ProjectMultiPolygon(a.Geometry)
	bound := projected.Bound()
	cols := cellCount(bound.Max[0]-bound.Min[0], sizeMeters)
	rows := cellCount(bound.Max[1]-bound.Min[1], sizeMeters)
	if cols*rows > MaxCells {
		return nil, eris.Wrapf(model.ErrConfiguration, "tiling: %d x %d grid exceeds %d cells", rows, cols, MaxCells)
	}

	crs := a.CRS
	if crs == "" {
		crs = model.CRSWGS84
	}
	minArea := relativeAreaEpsilon * sizeMeters * sizeMeters

	var tiles []model.Tile
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			origin := orb.Point{bound.Min[0] + float64(col)*sizeMeters, bound.Min[1] + float64(row)*sizeMeters}
			cell := orb.Bound{Min: origin, Max: orb.Point{origin[0] + sizeMeters, origin[1] + sizeMeters}}

			piece := clipToCell(projected, cell, minArea)
			if len(piece) == 0 {
				continue
			}
			tiles = append(tiles, model.Tile{
				ID:       ID(row, col),
				Row:      row,
				Col:      col,
				Geometry: proj.UnprojectMultiPolygon(piece),
				CRS:      crs,
				AreaKM2:  planar.Area(piece) / 1e6,
			})
		}
	}

	zap.L().Debug("tiling: grid built",
		zap.String("aoi", a.Name),
		zap.String("projection", proj.Name),
		zap.Int("rows", rows),
		zap.Int("cols", cols),
		zap.Int("tiles", len(tiles)),
	)
	return tiles, nil
}

func cellCount(extent, size float64) int {
	n := int(math.Ceil(extent/size - 1e-9))
	if n < 1 {
		n = 1
	}
	return n
}

// clipToCell intersects each polygon with cell, dropping parts whose area is
// at most minArea. A concave polygon may fall apart into several pieces.
func clipToCell(mp orb.MultiPolygon, cell orb.Bound, minArea float64) orb.MultiPolygon {
	var out orb.MultiPolygon
	for _, poly := range mp {
		if len(poly) == 0 || !poly.Bound().Intersects(cell) {
			continue
		}
		for _, piece := range clipPolygon(poly, cell) {
			if len(piece) == 0 || len(piece[0]) < 4 {
				continue
			}
			if planar.Area(piece) <= minArea {
				continue
			}
			out = append(out, piece)
		}
	}
	return out
}

// clipPolygon rejoins the clipped rings along the cell boundary, so cut
// pieces stay separate polygons instead of being bridged along the edge.
func clipPolygon(poly orb.Polygon, cell orb.Bound) orb.MultiPolygon {
	b := poly.Bound()
	if cell.Contains(b.Min) && cell.Contains(b.Max) {
		return orb.MultiPolygon{poly.Clone()}
	}

	poly = oriented(poly)
	if crossesEdge(poly, cell) {
		return smartclip.Polygon(cell, poly, orb.CCW)
	}

	// No ring meets the cell edges: the cell is either covered by the
	// polygon or disjoint from it, and holes lie fully inside or outside.
	center := cell.Center()
	if !planar.RingContains(poly[0], center) {
		return nil
	}
	covered := orb.Polygon{cell.ToRing()}
	for _, hole := range poly[1:] {
		hb := hole.Bound()
		switch {
		case cell.Contains(hb.Min) && cell.Contains(hb.Max):
			covered = append(covered, hole)
		case planar.RingContains(hole, center):
			return nil
		}
	}
	return orb.MultiPolygon{covered}
}

// oriented returns a copy of poly with a counter-clockwise shell and
// clockwise holes.
func oriented(poly orb.Polygon) orb.Polygon {
	out := poly.Clone()
	for i, r := range out {
		want := orb.CW
		if i == 0 {
			want = orb.CCW
		}
		if r.Orientation() == -want {
			r.Reverse()
		}
	}
	return out
}

func crossesEdge(poly orb.Polygon, cell orb.Bound) bool {
	for _, r := range poly {
		for _, ls := range clip.LineString(cell, orb.LineString(r), clip.OpenBound(true)) {
			if onEdge(cell, ls[0]) || onEdge(cell, ls[len(ls)-1]) {
				return true
			}
		}
	}
	return false
}

func onEdge(b orb.Bound, p orb.Point) bool {
	return p[0] == b.Min[0] || p[0] == b.Max[0] || p[1] == b.Min[1] || p[1] == b.Max[1]
}
