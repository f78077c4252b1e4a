package collection

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clearwater/pkg/compute"
)

// Evaluator executes a plan and returns the requested fields for every
// surviving image in one round trip.
type Evaluator interface {
	Evaluate(ctx context.Context, plan compute.Plan, fields []string) (*Table, error)
}

// Table is a column-oriented evaluation result. Fill values are decoded to
// missing on access and never returned as numbers.
type Table struct {
	cols map[string][]any
	n    int
}

// NewTable validates that every column has the same number of rows.
func NewTable(cols map[string][]any) (*Table, error) {
	n := -1
	for name, col := range cols {
		if n == -1 {
			n = len(col)
			continue
		}
		if len(col) != n {
			return nil, eris.Errorf("collection: column %q has %d rows, want %d", name, len(col), n)
		}
	}
	return &Table{cols: cols, n: max(n, 0)}, nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return t.n
}

// Has reports whether the table carries the named column.
func (t *Table) Has(field string) bool {
	_, ok := t.cols[field]
	return ok
}

// String returns a text cell, formatting numbers when needed.
func (t *Table) String(field string, row int) string {
	v := t.cell(field, row)
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// Float returns a numeric cell or nil when it is absent, non-numeric, NaN or
// the remote fill value.
func (t *Table) Float(field string, row int) *float64 {
	var f float64
	switch x := t.cell(field, row).(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	default:
		return nil
	}
	if math.IsNaN(f) || f == compute.FillValue {
		return nil
	}
	return &f
}

// Time returns a millisecond epoch cell as a UTC time.
func (t *Table) Time(field string, row int) time.Time {
	ms := t.Float(field, row)
	if ms == nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(*ms)).UTC()
}

func (t *Table) cell(field string, row int) any {
	col, ok := t.cols[field]
	if !ok || row < 0 || row >= len(col) {
		return nil
	}
	return col[row]
}

// ResolveBand returns the first candidate present in available. Products
// rename bands between versions, so the name is resolved per image.
func ResolveBand(available []string, candidates []string) (string, bool) {
	for _, c := range candidates {
		for _, a := range available {
			if a == c {
				return c, true
			}
		}
	}
	return "", false
}

// Compare applies a threshold comparator.
func Compare(op string, v, limit float64) (bool, error) {
	switch op {
	case "lt":
		return v < limit, nil
	case "lte":
		return v <= limit, nil
	case "gt":
		return v > limit, nil
	case "gte":
		return v >= limit, nil
	default:
		return false, eris.Errorf("collection: unknown comparator %q", op)
	}
}
