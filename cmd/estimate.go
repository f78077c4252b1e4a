package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/clearwater/internal/report"
)

var estimateNoStore bool

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Select scenes and estimate storage, compute and execution mode without dispatching",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initRunner(ctx, "estimate", !estimateNoStore)
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Runner.Plan(ctx, env.AOI.Name, env.Tiles)
		if err != nil {
			return eris.Wrap(err, "estimate")
		}

		report.FormatSummary(os.Stdout, summary)
		return nil
	},
}

func init() {
	estimateCmd.Flags().BoolVar(&estimateNoStore, "no-store", false, "do not record the run in the store")
	rootCmd.AddCommand(estimateCmd)
}
