// Package aoi loads, validates and buffers areas of interest.
package aoi

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clearwater/internal/fetcher"
	"github.com/sells-group/clearwater/internal/model"
)

// Loader resolves an AOI source string to a validated AreaOfInterest. A
// source is inline GeoJSON, a local path (.geojson, .json, .shp, .zip) or an
// http(s):// or ftp:// URL pointing at one of those.
type Loader struct {
	fetcher fetcher.Fetcher
}

// NewLoader creates a Loader that downloads remote sources with f.
func NewLoader(f fetcher.Fetcher) *Loader {
	return &Loader{fetcher: f}
}

// Load resolves src and validates the result.
func (l *Loader) Load(ctx context.Context, src string) (model.AreaOfInterest, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return model.AreaOfInterest{}, eris.Wrap(model.ErrConfiguration, "aoi: source is required")
	}

	var (
		a   model.AreaOfInterest
		err error
	)
	switch {
	case strings.HasPrefix(src, "{"):
		a, err = fromGeoJSON([]byte(src), "inline")
	case fetcher.IsRemote(src):
		a, err = l.loadRemote(ctx, src)
	default:
		a, err = loadFile(src)
	}
	if err != nil {
		return model.AreaOfInterest{}, err
	}

	if err := Validate(a); err != nil {
		return model.AreaOfInterest{}, err
	}
	zap.L().Info("aoi: loaded",
		zap.String("name", a.Name),
		zap.Int("polygons", len(a.Geometry)),
	)
	return a, nil
}

func (l *Loader) loadRemote(ctx context.Context, src string) (model.AreaOfInterest, error) {
	if l.fetcher == nil {
		return model.AreaOfInterest{}, eris.Wrapf(model.ErrConfiguration, "aoi: no fetcher for %s", src)
	}
	u, err := url.Parse(src)
	if err != nil {
		return model.AreaOfInterest{}, eris.Wrapf(model.ErrConfiguration, "aoi: parse url: %v", err)
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || filepath.Ext(base) == "" {
		base = "aoi.geojson"
	}

	dir, err := os.MkdirTemp("", "clearwater-aoi-*")
	if err != nil {
		return model.AreaOfInterest{}, eris.Wrap(err, "aoi: create temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	local := filepath.Join(dir, base)
	if _, err := l.fetcher.DownloadToFile(ctx, src, local); err != nil {
		return model.AreaOfInterest{}, eris.Wrapf(model.ErrConfiguration, "aoi: fetch %s: %v", src, err)
	}

	a, err := loadFile(local)
	if err != nil {
		return model.AreaOfInterest{}, err
	}
	a.Name = strings.TrimSuffix(base, filepath.Ext(base))
	return a, nil
}

func loadFile(p string) (model.AreaOfInterest, error) {
	name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))

	switch strings.ToLower(filepath.Ext(p)) {
	case ".geojson", ".json":
		data, err := os.ReadFile(p)
		if err != nil {
			return model.AreaOfInterest{}, eris.Wrapf(model.ErrConfiguration, "aoi: read %s: %v", p, err)
		}
		return fromGeoJSON(data, name)
	case ".shp":
		mp, err := ReadShapefile(p)
		if err != nil {
			return model.AreaOfInterest{}, err
		}
		return model.AreaOfInterest{Name: name, Geometry: mp, CRS: model.CRSWGS84}, nil
	case ".zip":
		return loadZIP(p, name)
	default:
		return model.AreaOfInterest{}, eris.Wrapf(model.ErrConfiguration, "aoi: unsupported source %q", p)
	}
}

func loadZIP(p, name string) (model.AreaOfInterest, error) {
	dir, err := os.MkdirTemp("", "clearwater-aoi-zip-*")
	if err != nil {
		return model.AreaOfInterest{}, eris.Wrap(err, "aoi: create extract dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	files, err := fetcher.ExtractGeometryFiles(p, dir)
	if err != nil {
		return model.AreaOfInterest{}, eris.Wrapf(model.ErrConfiguration, "aoi: extract %s: %v", p, err)
	}
	for _, ext := range []string{".shp", ".geojson", ".json"} {
		if inner, ok := fetcher.FindByExt(files, ext); ok {
			a, err := loadFile(inner)
			if err != nil {
				return model.AreaOfInterest{}, err
			}
			a.Name = name
			return a, nil
		}
	}
	return model.AreaOfInterest{}, eris.Wrapf(model.ErrConfiguration, "aoi: archive %s has no .shp or .geojson", p)
}

func fromGeoJSON(data []byte, name string) (model.AreaOfInterest, error) {
	mp, err := ParseGeoJSON(data)
	if err != nil {
		return model.AreaOfInterest{}, err
	}
	return model.AreaOfInterest{Name: name, Geometry: mp, CRS: model.CRSWGS84}, nil
}
