package cmd

import (
	"github.com/spf13/cobra"

	"budget-sync-service/internal/store"
	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

var (
	historyTenant string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List persisted sync runs for a tenant",
	Long: `History prints the stored sync runs of a tenant, newest first.

Examples:
  budgetsync history --tenant acme
  budgetsync history --tenant acme --limit 5 --output-format csv`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit < 1 {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "limit", historyLimit, nil).
				WithSuggestion("Use a limit of at least 1")
		}
		return nil
	},
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVarP(&historyTenant, "tenant", "t", "", "tenant ID (required)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of runs")
	_ = historyCmd.MarkFlagRequired("tenant")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	st, err := store.NewSQLiteStore(ctx, appConfig.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	st.SetLogger(logger.GetGlobalLogger())

	runs, err := st.ListSyncRuns(ctx, historyTenant, historyLimit)
	if err != nil {
		return err
	}
	return writeReport(runs)
}
