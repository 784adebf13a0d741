// Package reporter renders sync results for operators.
//
// Supported output formats:
//   - Console: aligned tables for terminal display
//   - JSON: structured data for programmatic consumption
//   - CSV: one row per item for spreadsheet applications
//
// Report types available:
//   - Sync run reports: status, counts, errors and warnings of one run
//   - Sync history: one line per persisted run
//   - Mapping reports: how each column was classified and why
//   - Validation reports: the issues found in a file
//   - Job reports: the scheduler's view of every tenant
//
// Example usage:
//
//	generator, err := reporter.NewReportGenerator(&reporter.ReportConfig{Format: reporter.FormatJSON})
//	err = generator.WriteSyncRun(run, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"budget-sync-service/internal/models"
	"budget-sync-service/internal/scheduler"
	"budget-sync-service/internal/validator"
)

// OutputFormat represents the supported report output formats
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	// Detail level options
	IncludeMappings bool `json:"include_mappings"`
	IncludeErrors   bool `json:"include_errors"`
	IncludeWarnings bool `json:"include_warnings"`

	// MaxListed caps errors and warnings printed on the console. Zero
	// prints all of them.
	MaxListed int `json:"max_listed"`

	// Console formatting options
	TableMaxWidth int `json:"table_max_width"`

	// CSV options
	CSVDelimiter rune `json:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:          FormatConsole,
		IncludeMappings: true,
		IncludeErrors:   true,
		IncludeWarnings: true,
		MaxListed:       20,
		TableMaxWidth:   120,
		CSVDelimiter:    ',',
		CSVHeaders:      true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}

	if c.TableMaxWidth < 50 {
		return fmt.Errorf("table max width must be at least 50 characters, got %d", c.TableMaxWidth)
	}

	if c.MaxListed < 0 {
		return fmt.Errorf("max listed cannot be negative, got %d", c.MaxListed)
	}

	return nil
}

// ReportGenerator renders reports in the configured format
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if config.CSVDelimiter == 0 {
		config.CSVDelimiter = ','
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}

	return &ReportGenerator{config: config}, nil
}

// WriteSyncRun renders one sync run
func (rg *ReportGenerator) WriteSyncRun(run *models.SyncRun, writer io.Writer) error {
	if run == nil {
		return fmt.Errorf("sync run cannot be nil")
	}

	switch rg.config.Format {
	case FormatJSON:
		return rg.writeJSON(rg.filterRun(run), writer)
	case FormatCSV:
		return rg.writeCSV(writer, syncRunHeaders(), [][]string{syncRunRecord(run)})
	default:
		return console(writer, func(w io.Writer) error { return rg.consoleSyncRun(run, w) })
	}
}

// WriteSyncRuns renders sync history, one line per run
func (rg *ReportGenerator) WriteSyncRuns(runs []*models.SyncRun, writer io.Writer) error {
	switch rg.config.Format {
	case FormatJSON:
		filtered := make([]*models.SyncRun, len(runs))
		for i, run := range runs {
			filtered[i] = rg.filterRun(run)
		}
		return rg.writeJSON(filtered, writer)
	case FormatCSV:
		records := make([][]string, len(runs))
		for i, run := range runs {
			records[i] = syncRunRecord(run)
		}
		return rg.writeCSV(writer, syncRunHeaders(), records)
	}

	return console(writer, func(writer io.Writer) error { return rg.consoleSyncRuns(runs, writer) })
}

func (rg *ReportGenerator) consoleSyncRuns(runs []*models.SyncRun, writer io.Writer) error {
	if len(runs) == 0 {
		fmt.Fprintf(writer, "No sync runs recorded\n")
		return nil
	}
	tw := tabwriter.NewWriter(writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSTATUS\tFILE\tTOTAL\tCREATED\tUPDATED\tUNCHANGED\tDELETED\tERRORS\tTRIGGER")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			run.StartTime.Format("2006-01-02 15:04:05"),
			run.Status,
			rg.truncate(orDash(run.FileName), 40),
			run.Stats.Total,
			run.Stats.Created,
			run.Stats.Updated,
			run.Stats.Unchanged,
			run.Stats.SoftDeleted,
			run.Stats.Errors,
			run.TriggeredBy)
	}
	return tw.Flush()
}

// WriteMapping renders a column mapping result
func (rg *ReportGenerator) WriteMapping(result *models.MappingResult, writer io.Writer) error {
	if result == nil {
		return fmt.Errorf("mapping result cannot be nil")
	}

	switch rg.config.Format {
	case FormatJSON:
		return rg.writeJSON(result, writer)
	case FormatCSV:
		records := make([][]string, 0, len(result.Mappings)+len(result.UnmappedColumns))
		for _, m := range result.Mappings {
			records = append(records, mappingRecord(m))
		}
		for _, column := range result.UnmappedColumns {
			records = append(records, []string{column, "", "", "unmapped", "", "", ""})
		}
		return rg.writeCSV(writer, mappingHeaders(), records)
	}

	return console(writer, func(writer io.Writer) error { return rg.consoleMapping(result, writer) })
}

func (rg *ReportGenerator) consoleMapping(result *models.MappingResult, writer io.Writer) error {
	fmt.Fprintf(writer, "COLUMN MAPPING\n")
	fmt.Fprintf(writer, "Overall Confidence: %.2f\n\n", result.OverallConfidence)
	rg.consoleMappings(result.Mappings, writer)

	if len(result.UnmappedColumns) > 0 {
		fmt.Fprintf(writer, "\nUnmapped Columns: %s\n", strings.Join(result.UnmappedColumns, ", "))
	}
	if len(result.MissingRequiredFields) > 0 {
		fields := make([]string, len(result.MissingRequiredFields))
		for i, f := range result.MissingRequiredFields {
			fields[i] = f.String()
		}
		fmt.Fprintf(writer, "Missing Required Fields: %s\n", strings.Join(fields, ", "))
	}
	if len(result.Suggestions) > 0 {
		fmt.Fprintf(writer, "\n=== SUGGESTIONS ===\n")
		for _, s := range result.Suggestions {
			fmt.Fprintf(writer, "  - %s\n", s)
		}
	}
	return nil
}

// WriteValidation renders validator issues
func (rg *ReportGenerator) WriteValidation(result *validator.Result, writer io.Writer) error {
	if result == nil {
		return fmt.Errorf("validation result cannot be nil")
	}

	switch rg.config.Format {
	case FormatJSON:
		return rg.writeJSON(result, writer)
	case FormatCSV:
		records := make([][]string, len(result.Issues))
		for i, issue := range result.Issues {
			records[i] = []string{
				string(issue.Severity),
				string(issue.Code),
				rowLabel(issue.Row),
				issue.Column,
				string(issue.Field),
				issue.Value,
				issue.Message,
				issue.Suggestion,
			}
		}
		return rg.writeCSV(writer, []string{"Severity", "Code", "Row", "Column", "Field", "Value", "Message", "Suggestion"}, records)
	}

	return console(writer, func(writer io.Writer) error { return rg.consoleValidation(result, writer) })
}

func (rg *ReportGenerator) consoleValidation(result *validator.Result, writer io.Writer) error {
	status := "VALID"
	if !result.Valid {
		status = "INVALID"
	}
	fmt.Fprintf(writer, "VALIDATION REPORT: %s\n\n", status)
	fmt.Fprintf(writer, "Rows:\n")
	fmt.Fprintf(writer, "  Total:    %d\n", result.Stats.TotalRows)
	fmt.Fprintf(writer, "  Valid:    %d (%.1f%%)\n", result.Stats.ValidRows,
		rg.calculatePercentage(result.Stats.ValidRows, result.Stats.TotalRows))
	fmt.Fprintf(writer, "  Warnings: %d\n", result.Stats.WarningRows)
	fmt.Fprintf(writer, "  Errors:   %d\n", result.Stats.ErrorRows)

	if rg.config.IncludeErrors {
		rg.printList(writer, "ERRORS", issueStrings(result.Errors()))
	}
	if rg.config.IncludeWarnings {
		rg.printList(writer, "WARNINGS", issueStrings(result.Warnings()))
	}
	return nil
}

// WriteJobs renders the scheduler's job table
func (rg *ReportGenerator) WriteJobs(jobs []scheduler.JobStatus, writer io.Writer) error {
	switch rg.config.Format {
	case FormatJSON:
		return rg.writeJSON(jobs, writer)
	case FormatCSV:
		records := make([][]string, len(jobs))
		for i, job := range jobs {
			records[i] = []string{
				job.TenantID,
				string(job.Cadence),
				strconv.FormatBool(job.Enabled),
				string(job.State),
				formatTime(job.NextRun),
				string(job.LastStatus),
				formatTime(job.LastFinishedAt),
				strconv.Itoa(job.Runs),
				strconv.Itoa(job.SkippedTicks),
				job.LastError,
			}
		}
		return rg.writeCSV(writer, []string{"Tenant", "Cadence", "Enabled", "State", "Next_Run", "Last_Status", "Last_Finished", "Runs", "Skipped", "Last_Error"}, records)
	}

	return console(writer, func(writer io.Writer) error { return rg.consoleJobs(jobs, writer) })
}

func (rg *ReportGenerator) consoleJobs(jobs []scheduler.JobStatus, writer io.Writer) error {
	if len(jobs) == 0 {
		fmt.Fprintf(writer, "No sync jobs registered\n")
		return nil
	}
	tw := tabwriter.NewWriter(writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TENANT\tCADENCE\tENABLED\tSTATE\tNEXT RUN\tLAST STATUS\tRUNS\tSKIPPED")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\t%d\t%d\n",
			job.TenantID,
			job.Cadence,
			job.Enabled,
			job.State,
			orDash(formatTime(job.NextRun)),
			orDash(string(job.LastStatus)),
			job.Runs,
			job.SkippedTicks)
	}
	return tw.Flush()
}

// Console helpers

// errWriter remembers the first write failure so console renderers can
// print freely and report it once.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}

func console(writer io.Writer, render func(io.Writer) error) error {
	ew := &errWriter{w: writer}
	if err := render(ew); err != nil {
		return err
	}
	return ew.err
}

func (rg *ReportGenerator) consoleSyncRun(run *models.SyncRun, writer io.Writer) error {
	fmt.Fprintf(writer, "SYNC REPORT\n")
	fmt.Fprintf(writer, "Sync ID:      %s\n", run.SyncID)
	fmt.Fprintf(writer, "Tenant:       %s\n", run.TenantID)
	fmt.Fprintf(writer, "Status:       %s\n", strings.ToUpper(string(run.Status)))
	fmt.Fprintf(writer, "Source:       %s\n", run.SourceType)
	fmt.Fprintf(writer, "File:         %s\n", orDash(run.FileName))
	fmt.Fprintf(writer, "Triggered By: %s\n", run.TriggeredBy)
	fmt.Fprintf(writer, "Started:      %s\n", run.StartTime.Format(time.RFC3339))
	fmt.Fprintf(writer, "Duration:     %v\n\n", run.Duration().Round(time.Millisecond))

	fmt.Fprintf(writer, "=== SUMMARY ===\n")
	fmt.Fprintf(writer, "Rows:         %d\n", run.Stats.Total)
	fmt.Fprintf(writer, "Created:      %d\n", run.Stats.Created)
	fmt.Fprintf(writer, "Updated:      %d\n", run.Stats.Updated)
	fmt.Fprintf(writer, "Unchanged:    %d\n", run.Stats.Unchanged)
	fmt.Fprintf(writer, "Soft-Deleted: %d\n", run.Stats.SoftDeleted)
	fmt.Fprintf(writer, "Errors:       %d (%.1f%%)\n", run.Stats.Errors,
		rg.calculatePercentage(run.Stats.Errors, run.Stats.Total))

	if rg.config.IncludeMappings && len(run.Mappings) > 0 {
		fmt.Fprintf(writer, "\n=== MAPPING (confidence %.2f) ===\n", run.MappingConfidence)
		rg.consoleMappings(run.Mappings, writer)
	}
	if rg.config.IncludeErrors {
		rg.printList(writer, "ERRORS", run.Errors)
	}
	if rg.config.IncludeWarnings {
		rg.printList(writer, "WARNINGS", run.Warnings)
	}
	return nil
}

func (rg *ReportGenerator) consoleMappings(mappings []models.ColumnMapping, writer io.Writer) {
	tw := tabwriter.NewWriter(writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tFIELD\tCONFIDENCE\tRATIONALE")
	for _, m := range mappings {
		rationale := m.Rationale
		if m.TypoDetected && m.SuggestedCorrection != "" {
			rationale += fmt.Sprintf(" [typo? %s]", m.SuggestedCorrection)
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n",
			m.SourceColumn, m.TargetField, m.Confidence, rg.truncate(rationale, rg.config.TableMaxWidth/2))
	}
	_ = tw.Flush()
}

func (rg *ReportGenerator) printList(writer io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(writer, "\n=== %s (%d) ===\n", title, len(items))
	for i, item := range items {
		if rg.config.MaxListed > 0 && i >= rg.config.MaxListed {
			fmt.Fprintf(writer, "  ... and %d more\n", len(items)-rg.config.MaxListed)
			break
		}
		fmt.Fprintf(writer, "  - %s\n", item)
	}
}

// Helper methods

func (rg *ReportGenerator) calculatePercentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

func (rg *ReportGenerator) truncate(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// filterRun drops the sections the configuration excludes
func (rg *ReportGenerator) filterRun(run *models.SyncRun) *models.SyncRun {
	out := *run
	if !rg.config.IncludeMappings {
		out.Mappings = nil
	}
	if !rg.config.IncludeErrors {
		out.Errors = nil
	}
	if !rg.config.IncludeWarnings {
		out.Warnings = nil
	}
	return &out
}

func (rg *ReportGenerator) writeJSON(v interface{}, writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (rg *ReportGenerator) writeCSV(writer io.Writer, headers []string, records [][]string) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter

	if rg.config.CSVHeaders {
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}
	for _, record := range records {
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

func syncRunHeaders() []string {
	return []string{
		"Sync_ID", "Tenant", "Status", "Source", "File", "Triggered_By",
		"Start_Time", "End_Time", "Total", "Created", "Updated", "Unchanged",
		"Soft_Deleted", "Errors", "Mapping_Confidence",
	}
}

func syncRunRecord(run *models.SyncRun) []string {
	return []string{
		run.SyncID,
		run.TenantID,
		string(run.Status),
		string(run.SourceType),
		run.FileName,
		run.TriggeredBy,
		run.StartTime.Format(time.RFC3339),
		run.EndTime.Format(time.RFC3339),
		strconv.Itoa(run.Stats.Total),
		strconv.Itoa(run.Stats.Created),
		strconv.Itoa(run.Stats.Updated),
		strconv.Itoa(run.Stats.Unchanged),
		strconv.Itoa(run.Stats.SoftDeleted),
		strconv.Itoa(run.Stats.Errors),
		fmt.Sprintf("%.2f", run.MappingConfidence),
	}
}

func mappingHeaders() []string {
	return []string{"Column", "Field", "Confidence", "Rationale", "Typo_Detected", "Suggested_Correction", "Samples"}
}

func mappingRecord(m models.ColumnMapping) []string {
	return []string{
		m.SourceColumn,
		string(m.TargetField),
		fmt.Sprintf("%.2f", m.Confidence),
		m.Rationale,
		strconv.FormatBool(m.TypoDetected),
		m.SuggestedCorrection,
		strings.Join(m.SampleValues, "|"),
	}
}

func issueStrings(issues []validator.Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.String()
	}
	return out
}

func rowLabel(row int) string {
	if row <= 0 {
		return "file"
	}
	return strconv.Itoa(row)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
