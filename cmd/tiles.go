package main

import (
	"io"
	"os"

	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/clearwater/internal/model"
)

var tilesOut string

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "Tile the area of interest and print the grid as GeoJSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("tiles"); err != nil {
			return err
		}

		_, tiles, err := loadTiles(cmd.Context())
		if err != nil {
			return err
		}

		out := io.Writer(os.Stdout)
		if tilesOut != "" {
			f, err := os.Create(tilesOut)
			if err != nil {
				return eris.Wrap(err, "create tiles output")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}
		return writeTilesGeoJSON(out, tiles)
	},
}

// writeTilesGeoJSON writes tiles as a FeatureCollection with the tile id,
// grid position and area as properties.
func writeTilesGeoJSON(w io.Writer, tiles []model.Tile) error {
	fc := geojson.NewFeatureCollection()
	for _, t := range tiles {
		f := geojson.NewFeature(t.Geometry)
		f.ID = t.ID
		f.Properties["tile_id"] = t.ID
		f.Properties["row"] = t.Row
		f.Properties["col"] = t.Col
		f.Properties["area_km2"] = t.AreaKM2
		fc.Append(f)
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return eris.Wrap(err, "marshal tiles")
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func init() {
	tilesCmd.Flags().StringVarP(&tilesOut, "out", "o", "", "write GeoJSON to this file instead of stdout")
	rootCmd.AddCommand(tilesCmd)
}
