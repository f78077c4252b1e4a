// Package collection provides a deferred query over a remote image collection
// and the evaluators that execute it in a single round trip.
package collection

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/pkg/compute"
)

// Query accumulates filters and enrichments over one collection. Every method
// returns a new Query; the receiver is never modified, so a base query can be
// shared across tiles.
type Query struct {
	plan compute.Plan
}

// From starts a query over the named collection.
func From(collection string) Query {
	return Query{plan: compute.Plan{Collection: collection}}
}

// FilterDate bounds the query to images acquired in [tr.Start, tr.End).
func (q Query) FilterDate(tr model.TimeRange) Query {
	out := q.clone()
	out.plan.StartMs = tr.Start.UnixMilli()
	out.plan.EndMs = tr.End.UnixMilli()
	return out
}

// FilterBounds keeps images whose footprint intersects region. The region is
// also used for every later spatial reduction.
func (q Query) FilterBounds(region orb.Geometry) Query {
	out := q.clone()
	out.plan.Region = geojson.NewGeometry(region)
	return out
}

// Filter keeps images where property op value holds. Images lacking the
// property are kept when keepMissing is set.
func (q Query) Filter(property, op string, value float64, keepMissing bool) Query {
	out := q.clone()
	out.plan.Steps = append(out.plan.Steps, compute.Step{Filter: &compute.Filter{
		Property:    property,
		Op:          op,
		Value:       value,
		KeepMissing: keepMissing,
	}})
	return out
}

// Enrich attaches a derived property to every surviving image.
func (q Query) Enrich(e compute.Enrichment) Query {
	out := q.clone()
	e.Bands = append([]string(nil), e.Bands...)
	out.plan.Steps = append(out.plan.Steps, compute.Step{Enrich: &e})
	return out
}

// SortLimit orders images by property ascending and keeps the first n.
// n <= 0 keeps all.
func (q Query) SortLimit(property string, n int) Query {
	out := q.clone()
	out.plan.SortBy = property
	out.plan.Limit = max(n, 0)
	return out
}

// Plan returns the wire representation of the query.
func (q Query) Plan() compute.Plan {
	return q.clone().plan
}

func (q Query) clone() Query {
	out := q
	out.plan.Steps = make([]compute.Step, len(q.plan.Steps), len(q.plan.Steps)+2)
	copy(out.plan.Steps, q.plan.Steps)
	return out
}
