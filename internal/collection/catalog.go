package collection

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/rotisserie/eris"

	"github.com/sells-group/clearwater/internal/fetcher"
)

// Catalog is a local snapshot of image collections, keyed by collection id.
type Catalog struct {
	Collections map[string][]Image `json:"collections"`
}

// Image is one observation in a catalog collection.
type Image struct {
	ID   string    `json:"id"`
	Time time.Time `json:"time"`
	// Footprint limits where the image has data. Nil means global coverage.
	Footprint  *geojson.Geometry  `json:"footprint,omitempty"`
	Properties map[string]float64 `json:"properties,omitempty"`
	Bands      map[string]*Raster `json:"bands,omitempty"`
}

// BandNames returns the image's band names in sorted order.
func (img *Image) BandNames() []string {
	names := make([]string, 0, len(img.Bands))
	for name := range img.Bands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Covers reports whether the image footprint overlaps region's bounding box.
func (img *Image) Covers(region orb.Bound) bool {
	if img.Footprint == nil {
		return true
	}
	return img.Footprint.Geometry().Bound().Intersects(region)
}

// Raster is a single band. It is either a constant Value over the image
// footprint, or a regular grid over Bound ([min lon, min lat, max lon,
// max lat]) with Values in row-major order starting at the north-west corner.
type Raster struct {
	Value  *float64   `json:"value,omitempty"`
	Bound  [4]float64 `json:"bound,omitempty"`
	Width  int        `json:"width,omitempty"`
	Height int        `json:"height,omitempty"`
	Values []float64  `json:"values,omitempty"`
	NoData *float64   `json:"nodata,omitempty"`
}

// At samples the raster at p. It reports false outside the grid or on nodata.
func (r *Raster) At(p orb.Point) (float64, bool) {
	if r.Value != nil {
		return r.valid(*r.Value)
	}
	if r.Width <= 0 || r.Height <= 0 || len(r.Values) != r.Width*r.Height {
		return 0, false
	}
	minX, minY, maxX, maxY := r.Bound[0], r.Bound[1], r.Bound[2], r.Bound[3]
	if p[0] < minX || p[0] > maxX || p[1] < minY || p[1] > maxY || maxX <= minX || maxY <= minY {
		return 0, false
	}
	col := int((p[0] - minX) / (maxX - minX) * float64(r.Width))
	row := int((maxY - p[1]) / (maxY - minY) * float64(r.Height))
	col = min(max(col, 0), r.Width-1)
	row = min(max(row, 0), r.Height-1)
	return r.valid(r.Values[row*r.Width+col])
}

func (r *Raster) valid(v float64) (float64, bool) {
	if r.NoData != nil && v == *r.NoData {
		return 0, false
	}
	return v, true
}

// inFootprint reports whether the image has data at p.
func (img *Image) inFootprint(p orb.Point) bool {
	if img.Footprint == nil {
		return true
	}
	switch g := img.Footprint.Geometry().(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	case orb.Bound:
		return g.Contains(p)
	default:
		return g.Bound().Contains(p)
	}
}

// ParseCatalog decodes a JSON catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "collection: decode catalog")
	}
	if len(c.Collections) == 0 {
		return nil, eris.New("collection: catalog has no collections")
	}
	for id, images := range c.Collections {
		seen := make(map[string]bool, len(images))
		for _, img := range images {
			if img.ID == "" {
				return nil, eris.Errorf("collection: %s: image without id", id)
			}
			if seen[img.ID] {
				return nil, eris.Errorf("collection: %s: duplicate image id %q", id, img.ID)
			}
			seen[img.ID] = true
		}
	}
	return &c, nil
}

// LoadCatalog reads a catalog from a local path or an http(s)/ftp URL.
func LoadCatalog(ctx context.Context, f fetcher.Fetcher, src string) (*Catalog, error) {
	var data []byte
	if fetcher.IsRemote(src) {
		body, err := f.Download(ctx, src)
		if err != nil {
			return nil, eris.Wrapf(err, "collection: download catalog %s", src)
		}
		defer body.Close() //nolint:errcheck
		data, err = io.ReadAll(body)
		if err != nil {
			return nil, eris.Wrapf(err, "collection: read catalog %s", src)
		}
	} else {
		var err error
		data, err = os.ReadFile(src)
		if err != nil {
			return nil, eris.Wrapf(err, "collection: read catalog %s", src)
		}
	}
	return ParseCatalog(data)
}
