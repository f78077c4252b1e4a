package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/report"
)

var (
	runNoStore bool
	runOut     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Select scenes, choose the execution mode and dispatch one job per tile",
	Long:  "Runs the full pipeline over the configured AOI. SIGINT or SIGTERM stops further dispatches; jobs already started keep running. The run summary and effective configuration are written to output.summary_path (local or s3://).",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initRunner(ctx, "run", !runNoStore)
		if err != nil {
			return err
		}
		defer env.Close()

		summary, runErr := env.Runner.Run(ctx, env.AOI.Name, env.Tiles)
		if summary == nil {
			return eris.Wrap(runErr, "pipeline run")
		}

		dst := runOut
		if dst == "" {
			dst = cfg.Output.SummaryPath
		}
		// Outputs are written even when the run was interrupted.
		if err := writeOutputs(context.WithoutCancel(ctx), dst, summary); err != nil {
			return err
		}

		report.FormatSummary(os.Stdout, summary)

		zap.L().Info("run complete",
			zap.String("run_id", summary.RunID),
			zap.String("mode", string(summary.Mode)),
			zap.Int("tiles", len(summary.Tiles)),
			zap.Int("failed", summary.Failed()),
		)

		if runErr != nil {
			return eris.Wrap(runErr, "pipeline run")
		}
		return nil
	},
}

// newReportWriter uploads s3:// destinations when output.s3 is configured.
func newReportWriter() (*report.Writer, error) {
	s3, err := report.NewS3(cfg.Output.S3)
	if err != nil {
		return nil, err
	}
	if s3 == nil {
		return report.NewWriter(nil), nil
	}
	return report.NewWriter(s3), nil
}

// writeOutputs writes the summary to dst and the redacted effective
// configuration next to it.
func writeOutputs(ctx context.Context, dst string, summary *model.RunSummary) error {
	w, err := newReportWriter()
	if err != nil {
		return err
	}
	if err := w.WriteSummary(ctx, dst, summary); err != nil {
		return eris.Wrap(err, "write summary")
	}
	if _, err := w.WriteConfig(ctx, dst, cfg); err != nil {
		return eris.Wrap(err, "write effective config")
	}
	return nil
}

func init() {
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "do not record the run in the store")
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "summary destination (default output.summary_path)")
	rootCmd.AddCommand(runCmd)
}
