package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"budget-sync-service/cmd/budgetsync/config"
	"budget-sync-service/pkg/logger"
)

var (
	cfgFile      string
	verbose      bool
	outputFormat string
	outputFile   string
	version      = "dev"
	commit       = "unknown"
	date         = "unknown"

	// appConfig is loaded before any subcommand runs
	appConfig *config.AppConfig
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "budgetsync",
	Short: "Budget file sync and reconciliation engine",
	Long: `Budgetsync pulls budget spreadsheets from SFTP drops, S3 prefixes or local
upload directories, works out which column holds which budget field,
validates the rows and reconciles them into the tenant's budget ledger.

Examples:
  budgetsync serve --config budgetsync.yaml
  budgetsync sync --tenant acme
  budgetsync map --file budgets.xlsx --known-departments Engineering,Sales
  budgetsync validate --file budgets.csv --output-format json
  budgetsync history --tenant acme --limit 20`,
	Version:           getVersionString(),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Execute runs the command tree and returns the process exit code
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	return NewCLIErrorHandler().HandleError(err)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output-format", "f", "console", "output format: console, json, csv")
	rootCmd.PersistentFlags().StringVarP(&outputFile, "output-file", "o", "", "output file path (default: stdout)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig loads the application config and installs the global logger
func initConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return err
	}

	if verbose {
		cfg.Log.Level = logger.DebugLevel
	}
	log, err := logger.NewLogger(&cfg.Log)
	if err != nil {
		return err
	}
	logger.SetGlobalLogger(log)

	if verbose && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", cfgFile)
	}

	appConfig = cfg
	return nil
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
