package collection

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/rotisserie/eris"

	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/pkg/compute"
)

// maxSamples caps the sample points used for one spatial reduction.
const maxSamples = 10000

const metersPerDegree = 111320.0

// Memory executes plans against an in-process catalog. It implements the same
// plan semantics as the compute service.
type Memory struct {
	catalog *Catalog
}

// NewMemory creates a Memory evaluator over c.
func NewMemory(c *Catalog) *Memory {
	return &Memory{catalog: c}
}

type candidate struct {
	img   *Image
	props map[string]float64
}

// Evaluate runs plan over the catalog.
func (m *Memory) Evaluate(ctx context.Context, plan compute.Plan, fields []string) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "collection: evaluate")
	}
	if err := checkPlan(plan); err != nil {
		return nil, err
	}

	images, ok := m.catalog.Collections[plan.Collection]
	if !ok {
		return nil, eris.Errorf("collection: unknown collection %q", plan.Collection)
	}

	var region orb.MultiPolygon
	if plan.Region != nil {
		var err error
		region, err = toMultiPolygon(plan.Region.Geometry())
		if err != nil {
			return nil, err
		}
	}

	cands := m.bound(images, plan, region)

	for _, step := range plan.Steps {
		switch {
		case step.Filter != nil:
			cands = applyFilter(cands, step.Filter)
		case step.Enrich != nil:
			src, ok := m.catalog.Collections[step.Enrich.Collection]
			if !ok {
				return nil, eris.Errorf("collection: unknown collection %q", step.Enrich.Collection)
			}
			for _, c := range cands {
				if v, ok := enrich(c.img, src, step.Enrich, region); ok {
					c.props[step.Enrich.Property] = v
				}
			}
		}
	}

	sortCandidates(cands, plan.SortBy)
	if plan.Limit > 0 && len(cands) > plan.Limit {
		cands = cands[:plan.Limit]
	}

	cols := make(map[string][]any, len(fields))
	for _, f := range fields {
		col := make([]any, len(cands))
		for i, c := range cands {
			switch f {
			case compute.ColumnID:
				col[i] = c.img.ID
			case compute.ColumnTime:
				col[i] = float64(c.img.Time.UnixMilli())
			default:
				if v, ok := c.props[f]; ok {
					col[i] = v
				} else {
					col[i] = compute.FillValue
				}
			}
		}
		cols[f] = col
	}
	return NewTable(cols)
}

func (m *Memory) bound(images []Image, plan compute.Plan, region orb.MultiPolygon) []*candidate {
	var rb orb.Bound
	if region != nil {
		rb = region.Bound()
	}
	var out []*candidate
	for i := range images {
		img := &images[i]
		ms := img.Time.UnixMilli()
		if plan.StartMs != 0 && ms < plan.StartMs {
			continue
		}
		if plan.EndMs != 0 && ms >= plan.EndMs {
			continue
		}
		if region != nil && !img.Covers(rb) {
			continue
		}
		props := make(map[string]float64, len(img.Properties)+3)
		for k, v := range img.Properties {
			props[k] = v
		}
		out = append(out, &candidate{img: img, props: props})
	}
	return out
}

func checkPlan(plan compute.Plan) error {
	for _, step := range plan.Steps {
		if step.Filter != nil {
			if _, err := Compare(step.Filter.Op, 0, 0); err != nil {
				return err
			}
		}
		if e := step.Enrich; e != nil {
			if len(e.Bands) == 0 {
				return eris.Errorf("collection: enrichment %q has no bands", e.Property)
			}
			if e.Magnitude && len(e.Bands) != 2 {
				return eris.Errorf("collection: enrichment %q magnitude needs two bands", e.Property)
			}
			for _, name := range []string{e.TemporalReducer, e.SpatialReducer} {
				if _, err := reduce(name, []float64{0}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func applyFilter(cands []*candidate, f *compute.Filter) []*candidate {
	out := cands[:0]
	for _, c := range cands {
		v, ok := c.props[f.Property]
		if !ok {
			if f.KeepMissing {
				out = append(out, c)
			}
			continue
		}
		if pass, _ := Compare(f.Op, v, f.Value); pass {
			out = append(out, c)
		}
	}
	return out
}

func sortCandidates(cands []*candidate, by string) {
	switch by {
	case "":
	case compute.ColumnID:
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].img.ID < cands[j].img.ID })
	case compute.ColumnTime:
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].img.Time.Before(cands[j].img.Time) })
	default:
		sort.SliceStable(cands, func(i, j int) bool {
			a, aok := cands[i].props[by]
			b, bok := cands[j].props[by]
			if aok != bok {
				return aok
			}
			return a < b
		})
	}
}

// enrich derives e.Property for img from src. It reports false when no
// secondary image matches or none has data over the region.
func enrich(img *Image, src []Image, e *compute.Enrichment, region orb.MultiPolygon) (float64, bool) {
	if len(region) == 0 {
		return 0, false
	}
	matches := window(img.Time, src, e)
	if len(matches) == 0 {
		return 0, false
	}

	var perPoint []float64
	for _, p := range samplePoints(region, e.ScaleMeters) {
		if v, ok := temporalValue(matches, e, p); ok {
			perPoint = append(perPoint, v)
		}
	}
	if len(perPoint) == 0 {
		return 0, false
	}

	v, err := reduce(e.SpatialReducer, perPoint)
	if err != nil {
		return 0, false
	}
	mult := e.Multiplier
	if mult == 0 {
		mult = 1
	}
	return v * mult, true
}

func window(t time.Time, src []Image, e *compute.Enrichment) []*Image {
	var out []*Image
	start := t.Add(time.Duration(e.WindowStartSecs) * time.Second)
	end := t.Add(time.Duration(e.WindowEndSecs) * time.Second)
	for i := range src {
		s := &src[i]
		if e.Static || (!s.Time.Before(start) && s.Time.Before(end)) {
			out = append(out, s)
		}
	}
	return out
}

// temporalValue reduces the matching images at p over time. For magnitude
// enrichments the magnitude is computed per image and then reduced.
func temporalValue(matches []*Image, e *compute.Enrichment, p orb.Point) (float64, bool) {
	if !e.Magnitude {
		return reduceBand(matches, e.Bands, e.TemporalReducer, p)
	}
	var vals []float64
	for _, img := range matches {
		if !img.inFootprint(p) {
			continue
		}
		u, uok := bandAt(img, e.Bands[0], p)
		v, vok := bandAt(img, e.Bands[1], p)
		if uok && vok {
			vals = append(vals, math.Hypot(u, v))
		}
	}
	if len(vals) == 0 {
		return 0, false
	}
	v, err := reduce(e.TemporalReducer, vals)
	return v, err == nil
}

func bandAt(img *Image, band string, p orb.Point) (float64, bool) {
	name, ok := ResolveBand(img.BandNames(), []string{band})
	if !ok {
		return 0, false
	}
	return img.Bands[name].At(p)
}

func reduceBand(matches []*Image, candidates []string, reducer string, p orb.Point) (float64, bool) {
	var vals []float64
	for _, img := range matches {
		if !img.inFootprint(p) {
			continue
		}
		name, ok := ResolveBand(img.BandNames(), candidates)
		if !ok {
			continue
		}
		if v, ok := img.Bands[name].At(p); ok {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0, false
	}
	v, err := reduce(reducer, vals)
	return v, err == nil
}

// samplePoints lays a grid of points spaced scale meters apart over the
// region and keeps those inside it. Regions smaller than one cell fall back
// to their centroid.
func samplePoints(region orb.MultiPolygon, scale float64) []orb.Point {
	b := region.Bound()
	midLat := (b.Min[1] + b.Max[1]) / 2
	if scale <= 0 {
		scale = 1000
	}
	dy := scale / metersPerDegree
	dx := scale / (metersPerDegree * math.Max(math.Cos(midLat*math.Pi/180), 1e-6))

	nx := int(math.Ceil((b.Max[0] - b.Min[0]) / dx))
	ny := int(math.Ceil((b.Max[1] - b.Min[1]) / dy))
	if nx*ny > maxSamples {
		f := math.Sqrt(float64(nx*ny) / maxSamples)
		dx *= f
		dy *= f
		nx = int(math.Ceil((b.Max[0] - b.Min[0]) / dx))
		ny = int(math.Ceil((b.Max[1] - b.Min[1]) / dy))
	}

	var pts []orb.Point
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			p := orb.Point{b.Min[0] + (float64(i)+0.5)*dx, b.Min[1] + (float64(j)+0.5)*dy}
			if planar.MultiPolygonContains(region, p) {
				pts = append(pts, p)
			}
		}
	}
	if len(pts) == 0 {
		c, _ := planar.CentroidArea(region)
		pts = append(pts, c)
	}
	return pts
}

func reduce(name string, vals []float64) (float64, error) {
	if len(vals) == 0 {
		return 0, eris.New("collection: reduce empty set")
	}
	switch name {
	case "", "median":
		return median(vals), nil
	case "mean":
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals)), nil
	case "min":
		out := vals[0]
		for _, v := range vals[1:] {
			out = math.Min(out, v)
		}
		return out, nil
	case "max":
		out := vals[0]
		for _, v := range vals[1:] {
			out = math.Max(out, v)
		}
		return out, nil
	default:
		return 0, eris.Errorf("collection: unknown reducer %q", name)
	}
}

func median(vals []float64) float64 {
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func toMultiPolygon(g orb.Geometry) (orb.MultiPolygon, error) {
	switch v := g.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{v}, nil
	case orb.MultiPolygon:
		return v, nil
	case orb.Bound:
		return orb.MultiPolygon{v.ToPolygon()}, nil
	default:
		return nil, eris.Wrapf(model.ErrConfiguration, "collection: region must be polygonal, got %s", g.GeoJSONType())
	}
}
