package store

import (
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"
)

const srid = 4326

// EncodeEWKB converts a tile geometry to EWKB bytes with SRID 4326.
// Returns nil, nil for an empty geometry.
func EncodeEWKB(mp orb.MultiPolygon) ([]byte, error) {
	if len(mp) == 0 {
		return nil, nil
	}

	g := geom.NewMultiPolygon(geom.XY).SetSRID(srid)
	for i, p := range mp {
		poly := geom.NewPolygon(geom.XY)
		for _, r := range p {
			ring := geom.NewLinearRingFlat(geom.XY, flatRing(r))
			if err := poly.Push(ring); err != nil {
				return nil, eris.Wrapf(err, "store: push ring of polygon %d", i)
			}
		}
		if err := g.Push(poly); err != nil {
			return nil, eris.Wrapf(err, "store: push polygon %d", i)
		}
	}

	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "store: encode EWKB")
	}
	return data, nil
}

// DecodeEWKB parses EWKB bytes holding a Polygon or MultiPolygon.
func DecodeEWKB(data []byte) (orb.MultiPolygon, error) {
	if len(data) == 0 {
		return nil, nil
	}

	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "store: decode EWKB")
	}

	switch t := g.(type) {
	case *geom.MultiPolygon:
		out := make(orb.MultiPolygon, 0, t.NumPolygons())
		for i := 0; i < t.NumPolygons(); i++ {
			out = append(out, toPolygon(t.Polygon(i)))
		}
		return out, nil
	case *geom.Polygon:
		return orb.MultiPolygon{toPolygon(t)}, nil
	default:
		zap.L().Debug("store: unexpected geometry type", zap.String("type", geomType(g)))
		return nil, eris.Errorf("store: unsupported geometry %s", geomType(g))
	}
}

func flatRing(r orb.Ring) []float64 {
	flat := make([]float64, 0, 2*len(r))
	for _, p := range r {
		flat = append(flat, p[0], p[1])
	}
	return flat
}

func toPolygon(p *geom.Polygon) orb.Polygon {
	out := make(orb.Polygon, 0, p.NumLinearRings())
	for i := 0; i < p.NumLinearRings(); i++ {
		coords := p.LinearRing(i).Coords()
		ring := make(orb.Ring, len(coords))
		for j, c := range coords {
			ring[j] = orb.Point{c[0], c[1]}
		}
		out = append(out, ring)
	}
	return out
}

func geomType(g geom.T) string {
	switch g.(type) {
	case *geom.Point:
		return "Point"
	case *geom.LineString:
		return "LineString"
	case *geom.MultiLineString:
		return "MultiLineString"
	case *geom.MultiPoint:
		return "MultiPoint"
	default:
		return "unknown"
	}
}
