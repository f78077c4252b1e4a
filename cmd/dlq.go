package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/resilience"
	"github.com/sells-group/clearwater/internal/store"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and retry tiles that failed during a run",
}

// -- dlq list --

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runID, _ := cmd.Flags().GetString("run")
		errType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListDLQ(ctx, resilience.DLQFilter{RunID: runID, ErrorType: errType, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
			return nil
		}
		formatDLQList(os.Stdout, entries)
		return nil
	},
}

// -- dlq count --

var dlqCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of dead letter entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.CountDLQ(ctx)
		if err != nil {
			return eris.Wrap(err, "dlq count")
		}
		fmt.Fprintln(os.Stdout, n)
		return nil
	},
}

// -- dlq remove --

var dlqRemoveCmd = &cobra.Command{
	Use:   "remove <entry-id>...",
	Short: "Remove dead letter entries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for _, id := range args {
			if err := st.RemoveDLQ(ctx, id); err != nil {
				return eris.Wrapf(err, "dlq remove %s", id)
			}
		}
		return nil
	},
}

// -- dlq retry --

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Re-run the failed tiles of a run",
	Long:  "Runs the pipeline again over every retryable dead letter tile of the given run, using the current configuration. Tiles that succeed are removed from the queue; tiles that fail again have their retry count incremented.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("run"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runner, err := newRunner(ctx, st)
		if err != nil {
			return err
		}
		return retryDeadLetters(ctx, st, runner, args[0], os.Stdout)
	},
}

// tileRunner is the pipeline entry point used by dlq retry.
type tileRunner interface {
	Run(ctx context.Context, aoiName string, tiles []model.Tile) (*model.RunSummary, error)
}

// retryDeadLetters re-runs the retryable entries of runID as a new run and
// settles each entry from its tile's new outcome.
func retryDeadLetters(ctx context.Context, st store.Store, runner tileRunner, runID string, out io.Writer) error {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "dlq retry")
	}

	entries, err := st.ListDLQ(ctx, resilience.DLQFilter{RunID: runID})
	if err != nil {
		return eris.Wrap(err, "dlq retry: list entries")
	}

	results, err := st.ListTileResults(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "dlq retry: list tile results")
	}
	byID := make(map[string]model.Tile, len(results))
	for _, r := range results {
		byID[r.Tile.ID] = r.Tile
	}

	var (
		tiles   []model.Tile
		pending []resilience.DLQEntry
	)
	seen := make(map[string]bool)
	for _, e := range entries {
		if !e.CanRetry() {
			continue
		}
		t, ok := byID[e.TileID]
		if !ok {
			zap.L().Warn("dlq retry: tile not recorded for run",
				zap.String("run_id", runID),
				zap.String("tile_id", e.TileID),
			)
			continue
		}
		pending = append(pending, e)
		if !seen[t.ID] {
			seen[t.ID] = true
			tiles = append(tiles, t)
		}
	}
	if len(tiles) == 0 {
		fmt.Fprintln(out, "No retryable entries.")
		return nil
	}

	summary, runErr := runner.Run(ctx, run.AOI, tiles)
	if summary == nil {
		return eris.Wrap(runErr, "dlq retry: pipeline run")
	}

	outcome := make(map[string]model.TileSummary, len(summary.Tiles))
	for _, ts := range summary.Tiles {
		outcome[ts.TileID] = ts
	}

	wctx := context.WithoutCancel(ctx)

	// The original entries carry the retry history; drop the ones the retry
	// run enqueued for itself.
	fresh, err := st.ListDLQ(wctx, resilience.DLQFilter{RunID: summary.RunID})
	if err != nil {
		return eris.Wrap(err, "dlq retry: list retry entries")
	}
	for _, e := range fresh {
		if err := st.RemoveDLQ(wctx, e.ID); err != nil {
			return eris.Wrapf(err, "dlq retry: remove %s", e.ID)
		}
	}

	var recovered, failed int
	for _, e := range pending {
		ts := outcome[e.TileID]
		if ts.Status != model.TileStatusFailed {
			if err := st.RemoveDLQ(wctx, e.ID); err != nil {
				return eris.Wrapf(err, "dlq retry: remove %s", e.ID)
			}
			recovered++
			continue
		}
		if err := st.IncrementDLQRetry(wctx, e.ID, ts.Error); err != nil {
			return eris.Wrapf(err, "dlq retry: increment %s", e.ID)
		}
		failed++
	}

	fmt.Fprintf(out, "Retry run %s: %d recovered, %d failed again\n", summary.RunID, recovered, failed)
	if runErr != nil {
		return eris.Wrap(runErr, "dlq retry: pipeline run")
	}
	return nil
}

// formatDLQList writes a tabular list of dead letter entries to w.
func formatDLQList(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tRUN\tTILE\tPHASE\tTYPE\tRETRIES\tLAST_FAILED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t---\t----\t-----\t----\t-------\t-----------\t-----")

	for _, e := range entries {
		msg := e.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			truncateID(e.ID),
			truncateID(e.RunID),
			e.TileID,
			e.Phase,
			e.ErrorType,
			e.RetryCount,
			e.MaxRetries,
			e.LastFailedAt.Format("2006-01-02 15:04"),
			msg,
		)
	}
	_ = w.Flush()
}

func init() {
	dlqListCmd.Flags().String("run", "", "filter by run id")
	dlqListCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	dlqListCmd.Flags().Int("limit", 100, "max number of entries to display")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqCountCmd)
	dlqCmd.AddCommand(dlqRemoveCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}
