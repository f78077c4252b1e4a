package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply store migrations and purge expired selection cache entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.DeleteExpiredSelections(ctx)
		if err != nil {
			return eris.Wrap(err, "purge selection cache")
		}
		zap.L().Info("store migrated",
			zap.String("driver", cfg.Store.Driver),
			zap.Int("expired_selections_deleted", n),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
