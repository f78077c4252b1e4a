package aoi

import (
	"encoding/json"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"

	"github.com/sells-group/clearwater/internal/model"
)

// ParseGeoJSON decodes a GeoJSON FeatureCollection, Feature or bare geometry
// into a MultiPolygon. Every polygonal part is kept; other geometry types are
// rejected.
func ParseGeoJSON(data []byte) (orb.MultiPolygon, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, eris.Wrapf(model.ErrConfiguration, "aoi: decode geojson: %v", err)
	}

	var geoms []orb.Geometry
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, eris.Wrapf(model.ErrConfiguration, "aoi: decode feature collection: %v", err)
		}
		for _, f := range fc.Features {
			geoms = append(geoms, f.Geometry)
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, eris.Wrapf(model.ErrConfiguration, "aoi: decode feature: %v", err)
		}
		geoms = append(geoms, f.Geometry)
	case "":
		return nil, eris.Wrap(model.ErrConfiguration, "aoi: geojson has no type")
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, eris.Wrapf(model.ErrConfiguration, "aoi: decode geometry: %v", err)
		}
		geoms = append(geoms, g.Geometry())
	}

	var mp orb.MultiPolygon
	for _, g := range geoms {
		polys, err := polygonal(g)
		if err != nil {
			return nil, err
		}
		mp = append(mp, polys...)
	}
	if len(mp) == 0 {
		return nil, eris.Wrap(model.ErrConfiguration, "aoi: geojson contains no polygons")
	}
	return mp, nil
}

func polygonal(g orb.Geometry) (orb.MultiPolygon, error) {
	switch v := g.(type) {
	case nil:
		return nil, nil
	case orb.Polygon:
		return orb.MultiPolygon{v}, nil
	case orb.MultiPolygon:
		return v, nil
	case orb.Collection:
		var out orb.MultiPolygon
		for _, child := range v {
			polys, err := polygonal(child)
			if err != nil {
				return nil, err
			}
			out = append(out, polys...)
		}
		return out, nil
	default:
		return nil, eris.Wrapf(model.ErrConfiguration, "aoi: unsupported geometry type %s", g.GeoJSONType())
	}
}

// MarshalGeoJSON encodes a as a single-feature FeatureCollection carrying
// its name as a property.
func MarshalGeoJSON(a model.AreaOfInterest) ([]byte, error) {
	f := geojson.NewFeature(a.Geometry)
	if a.Name != "" {
		f.Properties["name"] = a.Name
	}
	fc := geojson.NewFeatureCollection().Append(f)
	data, err := fc.MarshalJSON()
	if err != nil {
		return nil, eris.Wrap(err, "aoi: encode geojson")
	}
	return data, nil
}
