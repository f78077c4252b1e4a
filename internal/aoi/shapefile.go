package aoi

import (
	"os"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clearwater/internal/model"
)

// ReadShapefile reads every polygon record of a shapefile into one
// MultiPolygon. Clockwise rings start a new polygon; counter-clockwise rings
// are holes of the preceding polygon. A sibling .prj that declares a
// projected CRS is rejected.
func ReadShapefile(shpPath string) (orb.MultiPolygon, error) {
	if err := checkPRJ(shpPath); err != nil {
		return nil, err
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(model.ErrConfiguration, "aoi: open shapefile %s: %v", shpPath, err)
	}
	defer func() { _ = reader.Close() }()

	var mp orb.MultiPolygon
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok || poly == nil {
			skipped++
			continue
		}
		mp = append(mp, shpPolygon(poly)...)
	}

	if skipped > 0 {
		zap.L().Debug("aoi: skipped non-polygon shapefile records",
			zap.String("path", shpPath),
			zap.Int("skipped", skipped),
		)
	}
	if len(mp) == 0 {
		return nil, eris.Wrapf(model.ErrConfiguration, "aoi: shapefile %s has no polygons", shpPath)
	}
	return mp, nil
}

func shpPolygon(p *shp.Polygon) orb.MultiPolygon {
	if p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	var out orb.MultiPolygon
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}

		ring := make(orb.Ring, 0, end-start)
		for j := start; j < end; j++ {
			ring = append(ring, orb.Point{p.Points[j].X, p.Points[j].Y})
		}

		if ring.Orientation() == orb.CCW && len(out) > 0 {
			last := len(out) - 1
			out[last] = append(out[last], ring)
			continue
		}
		out = append(out, orb.Polygon{ring})
	}
	return out
}

func checkPRJ(shpPath string) error {
	prjPath := strings.TrimSuffix(shpPath, ".shp") + ".prj"
	if strings.HasSuffix(shpPath, ".SHP") {
		prjPath = strings.TrimSuffix(shpPath, ".SHP") + ".PRJ"
	}
	data, err := os.ReadFile(prjPath)
	if err != nil {
		return nil
	}
	if strings.HasPrefix(strings.TrimSpace(strings.ToUpper(string(data))), "PROJCS") {
		return eris.Wrapf(model.ErrConfiguration, "aoi: shapefile %s uses a projected CRS; reproject to EPSG:4326", shpPath)
	}
	return nil
}
