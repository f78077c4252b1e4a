package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/pipeline"
	"github.com/sells-group/clearwater/internal/scene"
)

// tileSelection is one tile's entry in the select output.
type tileSelection struct {
	TileID string                    `json:"tile_id"`
	Scenes []model.ObservationRecord `json:"scenes"`
	Error  string                    `json:"error,omitempty"`
}

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Select the scenes that pass every filter stage for each tile",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("select"); err != nil {
			return err
		}

		_, tiles, err := loadTiles(ctx)
		if err != nil {
			return err
		}
		opts, err := pipeline.OptionsFrom(cfg)
		if err != nil {
			return err
		}
		ev, err := initEvaluator(ctx, initComputeClient())
		if err != nil {
			return err
		}

		sel := scene.NewSelector(ev, cfg.Sources.Primary)
		out := selectTiles(ctx, sel, tiles, opts)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// selectTiles runs the selection for every tile concurrently. Failures are
// reported per tile; results keep the tile order.
func selectTiles(ctx context.Context, sel *scene.Selector, tiles []model.Tile, opts pipeline.Options) []tileSelection {
	out := make([]tileSelection, len(tiles))
	g := new(errgroup.Group)
	g.SetLimit(max(opts.MaxConcurrentTiles, 1))

	for i, t := range tiles {
		g.Go(func() error {
			out[i].TileID = t.ID
			recs, err := sel.Select(ctx, t.Geometry, opts.TimeRange, opts.Stages, opts.MaxScenes)
			if err != nil {
				out[i].Error = err.Error()
				zap.L().Warn("scene selection failed", zap.String("tile_id", t.ID), zap.Error(err))
				return nil
			}
			out[i].Scenes = recs
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func init() {
	rootCmd.AddCommand(selectCmd)
}
