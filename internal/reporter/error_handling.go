package reporter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"budget-sync-service/internal/models"
	"budget-sync-service/internal/scheduler"
	"budget-sync-service/internal/validator"
	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

// SafeReportGenerator wraps ReportGenerator with input checks and fallbacks
type SafeReportGenerator struct {
	*ReportGenerator
	logger logger.Logger
}

// NewSafeReportGenerator creates a new safe report generator with error handling
func NewSafeReportGenerator(config *ReportConfig, log logger.Logger) (*SafeReportGenerator, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	generator, err := NewReportGenerator(config)
	if err != nil {
		return nil, errors.ConfigurationError(
			errors.CodeInvalidConfig,
			"report_config",
			config,
			err,
		).WithSuggestion("Check the report configuration values")
	}

	return &SafeReportGenerator{
		ReportGenerator: generator,
		logger:          log.WithComponent("reporter"),
	}, nil
}

// Write renders any supported report value. Supported values are
// *models.SyncRun, []*models.SyncRun, *models.MappingResult,
// *validator.Result and []scheduler.JobStatus.
func (srg *SafeReportGenerator) Write(report interface{}, writer io.Writer) error {
	srg.logger.WithFields(logger.Fields{
		"format": srg.config.Format,
		"output": getWriterDescription(writer),
		"report": fmt.Sprintf("%T", report),
	}).Debug("Starting report generation")

	if err := srg.validateInputs(report, writer); err != nil {
		srg.logger.WithError(err).Error("Report generation failed: input validation")
		return err
	}

	if err := srg.generateWithFallback(report, writer); err != nil {
		srg.logger.WithError(err).Error("Report generation failed")
		return err
	}
	return nil
}

// render dispatches on the report type
func (rg *ReportGenerator) render(report interface{}, writer io.Writer) error {
	switch r := report.(type) {
	case *models.SyncRun:
		return rg.WriteSyncRun(r, writer)
	case []*models.SyncRun:
		return rg.WriteSyncRuns(r, writer)
	case *models.MappingResult:
		return rg.WriteMapping(r, writer)
	case *validator.Result:
		return rg.WriteValidation(r, writer)
	case []scheduler.JobStatus:
		return rg.WriteJobs(r, writer)
	default:
		return errors.ValidationError(
			errors.CodeMissingField,
			"report_type",
			fmt.Sprintf("%T", report),
			nil,
		).WithSuggestion("Provide a sync run, sync history, mapping result, validation result or job list")
	}
}

func (srg *SafeReportGenerator) validateInputs(report interface{}, writer io.Writer) error {
	if report == nil {
		return errors.ValidationError(
			errors.CodeMissingField,
			"report",
			nil,
			nil,
		).WithSuggestion("Provide a value to report on")
	}

	if writer == nil {
		return errors.ValidationError(
			errors.CodeMissingField,
			"writer",
			nil,
			nil,
		).WithSuggestion("Provide a valid output writer")
	}

	return nil
}

// generateWithFallback attempts the configured format first, then console
// output, then a backup file next to the original output.
func (srg *SafeReportGenerator) generateWithFallback(report interface{}, writer io.Writer) error {
	err := srg.render(report, writer)
	if err == nil {
		return nil
	}

	if syncErr, ok := errors.AsSyncError(err); ok && syncErr.Category == errors.CategoryValidation {
		return syncErr
	}

	srg.logger.WithError(err).Warn("Primary report generation failed, attempting fallback")

	if srg.shouldAttemptOutputFallback(err, writer) {
		return srg.generateWithOutputFallback(report, writer, err)
	}

	if srg.config.Format != FormatConsole {
		return srg.generateWithFormatFallback(report, writer, err)
	}

	return srg.wrapGenerationError(err)
}

func (srg *SafeReportGenerator) generateWithFormatFallback(report interface{}, writer io.Writer, originalErr error) error {
	fallbackConfig := *srg.config
	fallbackConfig.Format = FormatConsole

	srg.logger.WithField("fallback_format", FormatConsole).Info("Attempting format fallback")

	fallbackGenerator, err := NewReportGenerator(&fallbackConfig)
	if err != nil {
		return srg.wrapGenerationError(originalErr)
	}

	fmt.Fprintf(writer, "NOTE: Report generated in fallback format due to error with requested format\n")
	fmt.Fprintf(writer, "Original error: %v\n\n", originalErr)

	if err := fallbackGenerator.render(report, writer); err != nil {
		return errors.InternalError(
			errors.CodeUnexpectedError,
			"report_fallback",
			fmt.Errorf("both primary and fallback generation failed: primary=%v, fallback=%v", originalErr, err),
		)
	}

	srg.logger.Info("Report generated successfully using format fallback")
	return nil
}

func (srg *SafeReportGenerator) shouldAttemptOutputFallback(err error, writer io.Writer) bool {
	if file, ok := writer.(*os.File); ok && file.Name() != "" {
		return isFileError(err)
	}
	return false
}

func (srg *SafeReportGenerator) generateWithOutputFallback(report interface{}, writer io.Writer, originalErr error) error {
	file, ok := writer.(*os.File)
	if !ok {
		return srg.wrapGenerationError(originalErr)
	}

	originalPath := file.Name()
	backupPath := backupPath(originalPath)

	srg.logger.WithFields(logger.Fields{
		"original_file": originalPath,
		"backup_file":   backupPath,
	}).Info("Attempting output fallback")

	backupFile, err := os.Create(backupPath)
	if err != nil {
		return srg.wrapGenerationError(originalErr)
	}
	defer backupFile.Close()

	if err := srg.render(report, backupFile); err != nil {
		return errors.InternalError(
			errors.CodeUnexpectedError,
			"report_output_fallback",
			fmt.Errorf("both primary and backup output failed: primary=%v, backup=%v", originalErr, err),
		)
	}

	srg.logger.WithField("backup_file", backupPath).Warn("Report written to backup file")
	fmt.Fprintf(os.Stderr, "Warning: Could not write to %s, report saved to %s\n", originalPath, backupPath)
	return nil
}

func (srg *SafeReportGenerator) wrapGenerationError(err error) error {
	if syncErr, ok := errors.AsSyncError(err); ok {
		return syncErr
	}

	return errors.InternalError(
		errors.CodeUnexpectedError,
		"report_generation",
		err,
	).WithSuggestion("Check the output destination and report format settings")
}

func isFileError(err error) bool {
	if os.IsPermission(err) || os.IsNotExist(err) || os.IsExist(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "no space left") ||
		strings.Contains(msg, "disk full") ||
		strings.Contains(msg, "device full") ||
		strings.Contains(msg, "file already closed") ||
		strings.Contains(msg, "bad file descriptor")
}

// backupPath derives "<name>_backup<ext>" next to the original file
func backupPath(originalPath string) string {
	dir := filepath.Dir(originalPath)
	base := filepath.Base(originalPath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)

	return filepath.Join(dir, fmt.Sprintf("%s_backup%s", name, ext))
}

func getWriterDescription(writer io.Writer) string {
	switch w := writer.(type) {
	case *os.File:
		if w.Name() != "" {
			return fmt.Sprintf("file:%s", w.Name())
		}
		return "file:unnamed"
	default:
		return fmt.Sprintf("writer:%T", writer)
	}
}
