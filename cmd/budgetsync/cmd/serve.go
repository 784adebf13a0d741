package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"budget-sync-service/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler for every configured tenant",
	Long: `Serve registers every tenant from the config file and runs enabled tenants
on their cadence until interrupted. On SIGINT or SIGTERM timers stop at once
and runs in flight get the scheduler's shutdown grace period to finish.

Example:
  budgetsync serve --config budgetsync.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := logger.GetGlobalLogger().WithComponent("serve")

	if len(appConfig.Tenants) == 0 {
		log.Warn("No tenants configured, the scheduler will idle")
	}

	app, err := newApplication(ctx, appConfig, logger.GetGlobalLogger())
	if err != nil {
		return err
	}
	defer app.Close()

	app.scheduler.Start()
	log.WithFields(logger.Fields{
		"tenants":        len(appConfig.Tenants),
		"max_concurrent": appConfig.Scheduler.MaxConcurrent,
	}).Info("Budget sync service running")

	<-ctx.Done()
	log.Info("Shutdown requested, draining sync runs")

	if overdue := app.scheduler.StopAll(); len(overdue) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: shutdown grace period exceeded, runs still in flight for: %s\n",
			strings.Join(overdue, ", "))
	}
	return nil
}
