package reporter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"budget-sync-service/internal/models"
	"budget-sync-service/internal/scheduler"
	"budget-sync-service/internal/validator"
	"budget-sync-service/pkg/logger"
)

func TestNewReportGenerator(t *testing.T) {
	tests := []struct {
		name        string
		config      *ReportConfig
		expectError bool
	}{
		{
			name:        "default config",
			config:      nil,
			expectError: false,
		},
		{
			name:        "valid config",
			config:      DefaultReportConfig(),
			expectError: false,
		},
		{
			name: "invalid format",
			config: &ReportConfig{
				Format:        "invalid",
				TableMaxWidth: 120,
			},
			expectError: true,
		},
		{
			name: "table width too small",
			config: &ReportConfig{
				Format:        FormatConsole,
				TableMaxWidth: 30,
			},
			expectError: true,
		},
		{
			name: "negative max listed",
			config: &ReportConfig{
				Format:        FormatConsole,
				TableMaxWidth: 120,
				MaxListed:     -1,
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generator, err := NewReportGenerator(tt.config)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if generator == nil {
					t.Errorf("expected generator but got nil")
				}
			}
		})
	}
}

func TestOutputFormatValidation(t *testing.T) {
	tests := []struct {
		format OutputFormat
		valid  bool
	}{
		{FormatConsole, true},
		{FormatJSON, true},
		{FormatCSV, true},
		{"invalid", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			if tt.format.IsValid() != tt.valid {
				t.Errorf("expected IsValid() = %v for format %s", tt.valid, tt.format)
			}
		})
	}
}

func TestWriteSyncRun(t *testing.T) {
	run := sampleRun()

	tests := []struct {
		name     string
		format   OutputFormat
		contains []string
	}{
		{
			name:   "console",
			format: FormatConsole,
			contains: []string{
				"SYNC REPORT",
				"Status:       PARTIAL",
				"Created:      2",
				"Errors:       1 (25.0%)",
				"=== MAPPING (confidence 0.93) ===",
				"Dept Name",
				"=== ERRORS (1) ===",
				"row 3: amount \"abc\" is not a number",
				"=== WARNINGS (1) ===",
			},
		},
		{
			name:     "csv",
			format:   FormatCSV,
			contains: []string{"Sync_ID,Tenant,Status", "sync-1,acme,partial,local_upload,budget.csv,manual"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultReportConfig()
			config.Format = tt.format
			generator, err := NewReportGenerator(config)
			if err != nil {
				t.Fatalf("failed to create generator: %v", err)
			}

			var buf bytes.Buffer
			if err := generator.WriteSyncRun(run, &buf); err != nil {
				t.Fatalf("WriteSyncRun failed: %v", err)
			}

			output := buf.String()
			for _, want := range tt.contains {
				if !strings.Contains(output, want) {
					t.Errorf("expected output to contain %q, got:\n%s", want, output)
				}
			}
		})
	}
}

func TestWriteSyncRunJSONRespectsDetailFlags(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatJSON
	config.IncludeMappings = false
	config.IncludeWarnings = false
	generator, err := NewReportGenerator(config)
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	run := sampleRun()
	var buf bytes.Buffer
	if err := generator.WriteSyncRun(run, &buf); err != nil {
		t.Fatalf("WriteSyncRun failed: %v", err)
	}

	var decoded models.SyncRun
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.SyncID != run.SyncID || decoded.Stats != run.Stats {
		t.Errorf("decoded run = %+v, want id and stats of %+v", decoded, run)
	}
	if len(decoded.Mappings) != 0 || len(decoded.Warnings) != 0 {
		t.Errorf("expected mappings and warnings to be dropped, got %+v", decoded)
	}
	if len(decoded.Errors) != 1 {
		t.Errorf("expected errors to be kept, got %v", decoded.Errors)
	}
	if len(run.Mappings) == 0 {
		t.Errorf("filtering must not modify the original run")
	}
}

func TestWriteSyncRunNil(t *testing.T) {
	generator, _ := NewReportGenerator(nil)
	if err := generator.WriteSyncRun(nil, &bytes.Buffer{}); err == nil {
		t.Errorf("expected error for nil run")
	}
}

func TestConsoleListsAreCapped(t *testing.T) {
	config := DefaultReportConfig()
	config.MaxListed = 2
	generator, _ := NewReportGenerator(config)

	run := sampleRun()
	run.Errors = []string{"e1", "e2", "e3", "e4"}

	var buf bytes.Buffer
	if err := generator.WriteSyncRun(run, &buf); err != nil {
		t.Fatalf("WriteSyncRun failed: %v", err)
	}
	output := buf.String()
	if strings.Contains(output, "e3") {
		t.Errorf("expected list to be capped at 2, got:\n%s", output)
	}
	if !strings.Contains(output, "... and 2 more") {
		t.Errorf("expected overflow line, got:\n%s", output)
	}
}

func TestWriteSyncRuns(t *testing.T) {
	older := sampleRun()
	newer := sampleRun()
	newer.SyncID = "sync-2"
	newer.Status = models.SyncSuccess

	t.Run("console", func(t *testing.T) {
		generator, _ := NewReportGenerator(nil)
		var buf bytes.Buffer
		if err := generator.WriteSyncRuns([]*models.SyncRun{newer, older}, &buf); err != nil {
			t.Fatalf("WriteSyncRuns failed: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 3 {
			t.Fatalf("expected header and 2 rows, got %d lines:\n%s", len(lines), buf.String())
		}
		if !strings.HasPrefix(lines[0], "STARTED") || !strings.Contains(lines[1], "success") {
			t.Errorf("unexpected table:\n%s", buf.String())
		}
	})

	t.Run("empty console", func(t *testing.T) {
		generator, _ := NewReportGenerator(nil)
		var buf bytes.Buffer
		_ = generator.WriteSyncRuns(nil, &buf)
		if !strings.Contains(buf.String(), "No sync runs recorded") {
			t.Errorf("unexpected output: %q", buf.String())
		}
	})

	t.Run("csv without headers", func(t *testing.T) {
		config := DefaultReportConfig()
		config.Format = FormatCSV
		config.CSVHeaders = false
		config.CSVDelimiter = ';'
		generator, _ := NewReportGenerator(config)

		var buf bytes.Buffer
		if err := generator.WriteSyncRuns([]*models.SyncRun{newer, older}, &buf); err != nil {
			t.Fatalf("WriteSyncRuns failed: %v", err)
		}
		reader := csv.NewReader(&buf)
		reader.Comma = ';'
		records, err := reader.ReadAll()
		if err != nil {
			t.Fatalf("invalid CSV: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(records))
		}
		if records[0][0] != "sync-2" || records[1][0] != "sync-1" {
			t.Errorf("unexpected ids: %v, %v", records[0][0], records[1][0])
		}
		if len(records[0]) != len(syncRunHeaders()) {
			t.Errorf("record width %d does not match headers %d", len(records[0]), len(syncRunHeaders()))
		}
	})
}

func TestWriteMapping(t *testing.T) {
	result := &models.MappingResult{
		Mappings: []models.ColumnMapping{
			{SourceColumn: "Dept", TargetField: models.FieldDepartment, Confidence: 0.9, Rationale: "contains synonym \"dept\""},
			{SourceColumn: "Departmnet", TargetField: models.FieldSubCategory, Confidence: 0.7, Rationale: "fuzzy", TypoDetected: true, SuggestedCorrection: "department"},
		},
		UnmappedColumns:       []string{"Notes"},
		MissingRequiredFields: []models.CanonicalField{models.FieldBudgetedAmount},
		OverallConfidence:     0.8,
		Suggestions:           []string{"Add a column for budgetedAmount"},
	}

	t.Run("console", func(t *testing.T) {
		generator, _ := NewReportGenerator(nil)
		var buf bytes.Buffer
		if err := generator.WriteMapping(result, &buf); err != nil {
			t.Fatalf("WriteMapping failed: %v", err)
		}
		for _, want := range []string{
			"Overall Confidence: 0.80",
			"[typo? department]",
			"Unmapped Columns: Notes",
			"Missing Required Fields: budgetedAmount",
			"Add a column for budgetedAmount",
		} {
			if !strings.Contains(buf.String(), want) {
				t.Errorf("expected %q in:\n%s", want, buf.String())
			}
		}
	})

	t.Run("csv", func(t *testing.T) {
		config := DefaultReportConfig()
		config.Format = FormatCSV
		generator, _ := NewReportGenerator(config)
		var buf bytes.Buffer
		if err := generator.WriteMapping(result, &buf); err != nil {
			t.Fatalf("WriteMapping failed: %v", err)
		}
		records, err := csv.NewReader(&buf).ReadAll()
		if err != nil {
			t.Fatalf("invalid CSV: %v", err)
		}
		if len(records) != 4 {
			t.Fatalf("expected header, 2 mappings and 1 unmapped row, got %d", len(records))
		}
		if records[3][0] != "Notes" || records[3][3] != "unmapped" {
			t.Errorf("unexpected unmapped row: %v", records[3])
		}
	})
}

func TestWriteValidation(t *testing.T) {
	result := &validator.Result{
		Valid: false,
		Issues: []validator.Issue{
			{Severity: validator.SeverityError, Code: validator.CodeInvalidAmount, Row: 2, Column: "Amount", Value: "abc", Message: "amount is not a number"},
			{Severity: validator.SeverityWarning, Code: validator.CodeInconsistentPeriodFormat, Message: "mixed period formats"},
		},
		Stats: validator.Stats{TotalRows: 4, ValidRows: 3, ErrorRows: 1, Errors: 1, Warnings: 1},
	}

	t.Run("console", func(t *testing.T) {
		generator, _ := NewReportGenerator(nil)
		var buf bytes.Buffer
		if err := generator.WriteValidation(result, &buf); err != nil {
			t.Fatalf("WriteValidation failed: %v", err)
		}
		for _, want := range []string{"VALIDATION REPORT: INVALID", "Valid:    3 (75.0%)", "row 2: amount is not a number", "mixed period formats"} {
			if !strings.Contains(buf.String(), want) {
				t.Errorf("expected %q in:\n%s", want, buf.String())
			}
		}
	})

	t.Run("csv uses file for file level issues", func(t *testing.T) {
		config := DefaultReportConfig()
		config.Format = FormatCSV
		generator, _ := NewReportGenerator(config)
		var buf bytes.Buffer
		if err := generator.WriteValidation(result, &buf); err != nil {
			t.Fatalf("WriteValidation failed: %v", err)
		}
		records, err := csv.NewReader(&buf).ReadAll()
		if err != nil {
			t.Fatalf("invalid CSV: %v", err)
		}
		if records[1][2] != "2" || records[2][2] != "file" {
			t.Errorf("unexpected row labels: %q, %q", records[1][2], records[2][2])
		}
	})
}

func TestWriteJobs(t *testing.T) {
	next := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	jobs := []scheduler.JobStatus{
		{TenantID: "acme", Cadence: models.CadenceHourly, Enabled: true, State: scheduler.StateIdle, NextRun: &next, LastStatus: models.SyncSuccess, Runs: 4},
		{TenantID: "globex", Cadence: models.CadenceManual, State: scheduler.StateError, LastError: "source unavailable", SkippedTicks: 1},
	}

	t.Run("console", func(t *testing.T) {
		generator, _ := NewReportGenerator(nil)
		var buf bytes.Buffer
		if err := generator.WriteJobs(jobs, &buf); err != nil {
			t.Fatalf("WriteJobs failed: %v", err)
		}
		output := buf.String()
		if !strings.Contains(output, "2024-03-01 13:00:00") || !strings.Contains(output, "globex") {
			t.Errorf("unexpected output:\n%s", output)
		}
	})

	t.Run("json", func(t *testing.T) {
		config := DefaultReportConfig()
		config.Format = FormatJSON
		generator, _ := NewReportGenerator(config)
		var buf bytes.Buffer
		if err := generator.WriteJobs(jobs, &buf); err != nil {
			t.Fatalf("WriteJobs failed: %v", err)
		}
		var decoded []scheduler.JobStatus
		if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if len(decoded) != 2 || decoded[1].LastError != "source unavailable" {
			t.Errorf("unexpected decoded jobs: %+v", decoded)
		}
	})
}

func TestSafeReportGenerator(t *testing.T) {
	generator, err := NewSafeReportGenerator(DefaultReportConfig(), logger.NewNopLogger())
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	tests := []struct {
		name        string
		report      interface{}
		expectError bool
	}{
		{"sync run", sampleRun(), false},
		{"history", []*models.SyncRun{sampleRun()}, false},
		{"mapping", &models.MappingResult{OverallConfidence: 1}, false},
		{"validation", &validator.Result{Valid: true}, false},
		{"jobs", []scheduler.JobStatus{}, false},
		{"nil", nil, true},
		{"unsupported", "a string", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := generator.Write(tt.report, &buf)
			if tt.expectError && err == nil {
				t.Errorf("expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSafeReportGeneratorInvalidConfig(t *testing.T) {
	_, err := NewSafeReportGenerator(&ReportConfig{Format: "xml", TableMaxWidth: 120}, logger.NewNopLogger())
	if err == nil {
		t.Errorf("expected configuration error")
	}
}

func TestSafeReportGeneratorFormatFallback(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatJSON
	generator, _ := NewSafeReportGenerator(config, logger.NewNopLogger())

	w := &failOnceWriter{}
	if err := generator.Write(sampleRun(), w); err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if !strings.Contains(w.buf.String(), "NOTE: Report generated in fallback format") {
		t.Errorf("expected fallback notice, got:\n%s", w.buf.String())
	}
	if !strings.Contains(w.buf.String(), "SYNC REPORT") {
		t.Errorf("expected console report, got:\n%s", w.buf.String())
	}
}

func TestSafeReportGeneratorOutputFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	file.Close()

	generator, _ := NewSafeReportGenerator(DefaultReportConfig(), logger.NewNopLogger())
	if err := generator.Write(sampleRun(), file); err != nil {
		t.Fatalf("expected output fallback, got %v", err)
	}

	backup, err := os.ReadFile(filepath.Join(dir, "report_backup.txt"))
	if err != nil {
		t.Fatalf("backup file not written: %v", err)
	}
	if !strings.Contains(string(backup), "SYNC REPORT") {
		t.Errorf("unexpected backup content:\n%s", backup)
	}
}

func TestBackupPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/tmp/report.json", "/tmp/report_backup.json"},
		{"/tmp/report", "/tmp/report_backup"},
		{"out.tar.csv", "out.tar_backup.csv"},
	}
	for _, tt := range tests {
		if got := backupPath(tt.in); got != tt.want {
			t.Errorf("backupPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// failOnceWriter rejects its first write so the primary render fails
type failOnceWriter struct {
	failed bool
	buf    bytes.Buffer
}

func (w *failOnceWriter) Write(p []byte) (int, error) {
	if !w.failed {
		w.failed = true
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

func sampleRun() *models.SyncRun {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.SyncRun{
		SyncID:      "sync-1",
		TenantID:    "acme",
		Status:      models.SyncPartial,
		StartTime:   start,
		EndTime:     start.Add(1500 * time.Millisecond),
		Stats:       models.SyncStats{Total: 4, Created: 2, Updated: 1, Errors: 1},
		Errors:      []string{"row 3: amount \"abc\" is not a number"},
		Warnings:    []string{"2 files received since the last sync, only the newest (budget.csv) was processed"},
		SourceType:  models.SourceLocalUpload,
		TriggeredBy: "manual",
		FileName:    "budget.csv",
		Mappings: []models.ColumnMapping{
			{SourceColumn: "Dept Name", TargetField: models.FieldDepartment, Confidence: 0.9, Rationale: "contains synonym"},
		},
		MappingConfidence: 0.93,
	}
}
