package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/viper"

	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

// CLIErrorHandler turns command errors into user-facing messages and exit codes
type CLIErrorHandler struct {
	logger  logger.Logger
	verbose bool
	out     io.Writer
}

// NewCLIErrorHandler creates a new CLI error handler
func NewCLIErrorHandler() *CLIErrorHandler {
	return &CLIErrorHandler{
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		verbose: viper.GetBool("verbose"),
		out:     os.Stderr,
	}
}

// HandleError prints err and returns the exit code for it
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Debug("Command failed")

	if syncErr, ok := errors.AsSyncError(err); ok {
		return h.handleSyncError(syncErr)
	}

	return h.handleGenericError(err)
}

func (h *CLIErrorHandler) handleSyncError(err *errors.SyncError) int {
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		keys := make([]string, 0, len(err.Context))
		for key := range err.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Fprintf(h.out, "\nContext:\n")
		for _, key := range keys {
			fmt.Fprintf(h.out, "  %s: %v\n", key, err.Context[key])
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}

	if help := h.getCategoryHelp(err.Category); help != "" {
		fmt.Fprintf(h.out, "\n%s\n", help)
	}

	if h.verbose && err.Cause != nil {
		fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
	}

	return err.GetExitCode()
}

func (h *CLIErrorHandler) handleGenericError(err error) int {
	switch {
	case h.isFileNotFoundError(err):
		fmt.Fprintf(h.out, "Error: File not found\n")
		fmt.Fprintf(h.out, "Suggestion: Check if the file path is correct and the file exists\n")
		return 2
	case h.isPermissionError(err):
		fmt.Fprintf(h.out, "Error: Permission denied\n")
		fmt.Fprintf(h.out, "Suggestion: Check file permissions and ensure you have read access\n")
		return 2
	case h.isDiskFullError(err):
		fmt.Fprintf(h.out, "Error: Insufficient disk space\n")
		fmt.Fprintf(h.out, "Suggestion: Free up disk space and try again\n")
		return 2
	}

	fmt.Fprintf(h.out, "Error: %v\n", err)
	return 1
}

// getCategoryHelp returns category-specific help text
func (h *CLIErrorHandler) getCategoryHelp(category errors.ErrorCategory) string {
	switch category {
	case errors.CategorySource:
		return `Source error help:
• Run 'budgetsync test-connection --tenant <id>' to check the source
• Verify host, bucket, path and credentials in the tenant config
• Scheduled runs retry source errors with backoff`

	case errors.CategoryParse:
		return `Parse error help:
• The file needs a header row followed by data rows
• Supported file types are .csv, .xlsx and .xls
• Save CSV files in UTF-8 encoding`

	case errors.CategoryMapping:
		return `Mapping error help:
• Run 'budgetsync map --file <path>' to see how each column was classified
• Rename ambiguous headers (e.g. "Dept", "Amount", "Fiscal Period")
• Lower min_confidence or set auto_apply_mapping for the tenant if the mapping is right`

	case errors.CategoryValidation:
		return `Validation error help:
• Department, fiscal period and amount are required on every row
• Amounts must be positive numbers, periods look like 2024-Q1, FY2024 or 2024-03`

	case errors.CategoryConfiguration:
		return `Configuration error help:
• Check your command-line flags and the config file passed with --config
• Environment overrides use the BUDGETSYNC_ prefix (e.g. BUDGETSYNC_DATABASE_PATH)`

	case errors.CategoryPersistence:
		return `Storage error help:
• Check that database.path is writable and the disk is not full`

	case errors.CategoryScheduler:
		return `Scheduler help:
• Use 'budgetsync status' to see which tenants are configured and running`

	default:
		return ""
	}
}

// Error detection helpers

func (h *CLIErrorHandler) isFileNotFoundError(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file or directory")
}

func (h *CLIErrorHandler) isPermissionError(err error) bool {
	return os.IsPermission(err) ||
		strings.Contains(err.Error(), "permission denied") ||
		strings.Contains(err.Error(), "access denied")
}

func (h *CLIErrorHandler) isDiskFullError(err error) bool {
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no space left") ||
		strings.Contains(errStr, "disk full") ||
		strings.Contains(errStr, "device full")
}
