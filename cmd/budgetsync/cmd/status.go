package cmd

import (
	"github.com/spf13/cobra"

	"budget-sync-service/internal/scheduler"
	"budget-sync-service/pkg/logger"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync job of every configured tenant",
	Long: `Status registers every configured tenant with a scheduler that is never
started and prints each job with its next projected run. The last run of
each tenant is read from the sync history.

Example:
  budgetsync status --config budgetsync.yaml`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	app, err := newApplication(ctx, appConfig, logger.GetGlobalLogger())
	if err != nil {
		return err
	}
	defer app.Close()
	defer app.scheduler.StopAll()

	jobs := app.scheduler.ListJobs()
	for i := range jobs {
		if err := withLastRun(cmd, app, &jobs[i]); err != nil {
			return err
		}
	}
	return writeReport(jobs)
}

// withLastRun fills the job's last run from the sync history
func withLastRun(cmd *cobra.Command, app *application, job *scheduler.JobStatus) error {
	runs, err := app.store.ListSyncRuns(cmd.Context(), job.TenantID, 1)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	last := runs[0]
	job.LastSyncID = last.SyncID
	job.LastStatus = last.Status
	started, finished := last.StartTime, last.EndTime
	job.LastStartedAt = &started
	job.LastFinishedAt = &finished
	if len(last.Errors) > 0 {
		job.LastError = last.Errors[0]
	}
	return nil
}
