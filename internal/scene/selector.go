package scene

import (
	"context"
	"sort"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clearwater/internal/collection"
	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/pkg/compute"
)

// Selector runs the stage pipeline for one region against a primary
// collection.
type Selector struct {
	eval    collection.Evaluator
	primary string
}

// NewSelector creates a Selector over the primary collection.
func NewSelector(eval collection.Evaluator, primary string) *Selector {
	return &Selector{eval: eval, primary: primary}
}

// Request is a compiled selection: one plan, the columns to read from it,
// and the cap.
type Request struct {
	Plan   compute.Plan `json:"plan"`
	Fields []string     `json:"fields"`
	Limit  int          `json:"limit"`
}

// Select returns at most limit observations over region in tr that pass every
// stage, ordered by remote identifier. All stages are folded into one plan
// and evaluated in a single round trip.
func (s *Selector) Select(ctx context.Context, region orb.MultiPolygon, tr model.TimeRange, stages []Stage, limit int) ([]model.ObservationRecord, error) {
	req, err := s.Compile(region, tr, stages, limit)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, req)
}

// Compile validates the inputs and folds the stages into a Request without
// contacting the evaluator.
func (s *Selector) Compile(region orb.MultiPolygon, tr model.TimeRange, stages []Stage, limit int) (Request, error) {
	if limit <= 0 {
		return Request{}, eris.Wrapf(model.ErrConfiguration, "scene: cap must be > 0, got %d", limit)
	}
	if len(region) == 0 {
		return Request{}, eris.Wrap(model.ErrConfiguration, "scene: empty region")
	}
	if !tr.Valid() {
		return Request{}, eris.Wrap(model.ErrConfiguration, "scene: invalid time range")
	}

	q := collection.From(s.primary).FilterDate(tr).FilterBounds(region)
	fields := []string{compute.ColumnID, compute.ColumnTime, CloudProperty}
	for _, st := range stages {
		if _, err := collection.Compare(comparatorOf(st), 0, 0); err != nil {
			return Request{}, eris.Wrapf(model.ErrConfiguration, "scene: stage %s: %v", st.Name(), err)
		}
		q = st.apply(q)
		fields = appendUnique(fields, st.Attribute())
	}
	q = q.SortLimit(compute.ColumnID, limit)

	return Request{Plan: q.Plan(), Fields: fields, Limit: limit}, nil
}

// Execute evaluates a compiled Request in one round trip.
func (s *Selector) Execute(ctx context.Context, req Request) ([]model.ObservationRecord, error) {
	if req.Limit <= 0 {
		return nil, eris.Wrapf(model.ErrConfiguration, "scene: cap must be > 0, got %d", req.Limit)
	}
	limit := req.Limit

	tbl, err := s.eval.Evaluate(ctx, req.Plan, req.Fields)
	if err != nil {
		return nil, eris.Wrap(err, "scene: select")
	}
	if tbl.Len() > 0 {
		for _, col := range []string{compute.ColumnID, compute.ColumnTime} {
			if !tbl.Has(col) {
				return nil, eris.Wrapf(model.ErrRemoteUnavailable, "scene: result from %s has no %s column", s.primary, col)
			}
		}
	}

	records := make([]model.ObservationRecord, 0, tbl.Len())
	for i := 0; i < tbl.Len(); i++ {
		rec := model.ObservationRecord{
			ID:         tbl.String(compute.ColumnID, i),
			Timestamp:  tbl.Time(compute.ColumnTime, i),
			Chla:       tbl.Float(AttrChla, i),
			WindSpeed:  tbl.Float(AttrWind, i),
			TidalState: tbl.Float(AttrTide, i),
		}
		if c := tbl.Float(CloudProperty, i); c != nil {
			rec.CloudPct = *c
		}
		records = append(records, rec)
	}

	// The service sorts and limits already; repeat it locally so the cap and
	// ordering hold for any evaluator.
	sort.SliceStable(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	if len(records) > limit {
		records = records[:limit]
	}

	zap.L().Debug("scene: selected observations",
		zap.String("collection", s.primary),
		zap.Int("steps", len(req.Plan.Steps)),
		zap.Int("selected", len(records)),
	)
	return records, nil
}

func comparatorOf(st Stage) string {
	switch v := st.(type) {
	case ThresholdStage:
		return v.Comparator
	case EnrichmentStage:
		return v.Comparator
	}
	return ""
}

func appendUnique(s []string, v string) []string {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

// Median returns the median of the non-nil values, or nil when there are none.
func Median(vals []*float64) *float64 {
	var xs []float64
	for _, v := range vals {
		if v != nil {
			xs = append(xs, *v)
		}
	}
	if len(xs) == 0 {
		return nil
	}
	sort.Float64s(xs)
	n := len(xs)
	m := xs[n/2]
	if n%2 == 0 {
		m = (xs[n/2-1] + xs[n/2]) / 2
	}
	return &m
}

// Summarize computes the per-attribute medians of a tile's selection.
func Summarize(records []model.ObservationRecord) (cloud, chla, wind *float64) {
	clouds := make([]*float64, len(records))
	chlas := make([]*float64, len(records))
	winds := make([]*float64, len(records))
	for i := range records {
		clouds[i] = model.Float(records[i].CloudPct)
		chlas[i] = records[i].Chla
		winds[i] = records[i].WindSpeed
	}
	return Median(clouds), Median(chlas), Median(winds)
}
