package syncer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"budget-sync-service/internal/importer"
	"budget-sync-service/internal/models"
	"budget-sync-service/internal/parsers"
	"budget-sync-service/internal/store"
	"budget-sync-service/internal/validator"
	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

type fixture struct {
	orchestrator *Orchestrator
	store        *store.SQLiteStore
	uploads      string
	config       *models.SyncConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger.SetGlobalLogger(logger.NewNopLogger())

	dir := t.TempDir()
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	uploads := filepath.Join(dir, "uploads")
	if err := os.MkdirAll(uploads, 0755); err != nil {
		t.Fatal(err)
	}

	orchestrator, err := NewOrchestrator(Dependencies{
		Store:      st,
		StagingDir: filepath.Join(dir, "staging"),
		Logger:     logger.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	return &fixture{
		orchestrator: orchestrator,
		store:        st,
		uploads:      uploads,
		config: &models.SyncConfig{
			TenantID:          "tenant-a",
			SourceType:        models.SourceLocalUpload,
			Source:            models.SourceConfig{Local: &models.LocalConfig{Path: uploads}},
			Cadence:           models.CadenceManual,
			MinConfidence:     models.DefaultMinConfidence,
			Enabled:           true,
			SoftDeleteMissing: true,
		},
	}
}

// upload writes a file into the upload directory with an mtime age ago
func (f *fixture) upload(t *testing.T, name, content string, age time.Duration) {
	t.Helper()
	path := filepath.Join(f.uploads, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) run(t *testing.T) (*models.SyncRun, error) {
	t.Helper()
	return f.orchestrator.ExecuteFileSync(context.Background(), f.config, "test")
}

func (f *fixture) activeBudgets(t *testing.T) map[string]*models.Budget {
	t.Helper()
	budgets, err := f.store.ListBudgets(context.Background(), "tenant-a", false)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]*models.Budget)
	for _, b := range budgets {
		out[b.Department] = b
	}
	return out
}

func TestNewOrchestratorRequiresStore(t *testing.T) {
	if _, err := NewOrchestrator(Dependencies{}); err == nil {
		t.Error("expected error without a store")
	}
}

func TestExecuteFileSyncNoFiles(t *testing.T) {
	f := newFixture(t)

	run, err := f.run(t)
	if err != nil {
		t.Fatalf("ExecuteFileSync() error = %v", err)
	}
	if run.Status != models.SyncSuccess {
		t.Errorf("status = %s, want success", run.Status)
	}
	if run.Stats != (models.SyncStats{}) {
		t.Errorf("stats = %+v, want all zero", run.Stats)
	}

	history, err := f.store.ListSyncRuns(context.Background(), "tenant-a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].SyncID != run.SyncID {
		t.Errorf("history = %+v, want the no-op run persisted", history)
	}
}

func TestExecuteFileSyncImportsNewestFile(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "old.csv", "Department,Fiscal Year,Budget Amount\nMarketing,FY2025,1\n", 2*time.Hour)
	f.upload(t, "budgets.csv", "Dept,FY,Budget\nEngineering,FY2025,500000\nSales,FY2025,\"250,000\"\n", time.Hour)

	run, err := f.run(t)
	if err != nil {
		t.Fatalf("ExecuteFileSync() error = %v", err)
	}
	if run.Status != models.SyncSuccess {
		t.Fatalf("status = %s, errors = %v", run.Status, run.Errors)
	}
	if run.FileName != "budgets.csv" {
		t.Errorf("file = %s, want budgets.csv", run.FileName)
	}
	if run.Stats.Total != 2 || run.Stats.Created != 2 {
		t.Errorf("stats = %+v, want 2 total, 2 created", run.Stats)
	}
	if run.MappingConfidence < 0.75 || len(run.Mappings) != 3 {
		t.Errorf("mapping metadata = %.2f / %d mappings", run.MappingConfidence, len(run.Mappings))
	}

	foundWarning := false
	for _, w := range run.Warnings {
		if strings.Contains(w, "only the newest (budgets.csv)") {
			foundWarning = true
		}
	}
	if !foundWarning {
		t.Errorf("warnings = %v, want the ignored older file reported", run.Warnings)
	}

	budgets := f.activeBudgets(t)
	if len(budgets) != 2 {
		t.Fatalf("budgets = %d, want 2", len(budgets))
	}
	if _, ok := budgets["Marketing"]; ok {
		t.Error("the older file must not be imported")
	}
	sales := budgets["Sales"]
	if !sales.BudgetedAmount.Equal(decimal.NewFromInt(250000)) || sales.Currency != "USD" || sales.SubCategory != "" {
		t.Errorf("sales = %+v, want 250000 USD without sub-category", sales)
	}
}

func TestExecuteFileSyncUsesCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "budgets.csv", "Dept,FY,Budget\nEngineering,FY2025,500000\n", time.Hour)

	if _, err := f.run(t); err != nil {
		t.Fatalf("first run error = %v", err)
	}

	second, err := f.run(t)
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if second.FileName != "" || second.Stats.Total != 0 {
		t.Errorf("second run = %+v, want a no-op since the file predates the checkpoint", second)
	}
}

func TestExecuteFileSyncUpdatesAndSoftDeletes(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "v1.csv", "Dept,FY,Budget\nEngineering,FY2025,500000\nSales,FY2025,100\n", 3*time.Hour)
	if _, err := f.run(t); err != nil {
		t.Fatalf("first run error = %v", err)
	}

	// Anything newer than the checkpoint is picked up.
	f.upload(t, "v2.csv", "Dept,FY,Budget\nEngineering,FY2025,600000\n", -time.Minute)
	run, err := f.run(t)
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if run.Stats.Updated != 1 || run.Stats.SoftDeleted != 1 {
		t.Errorf("stats = %+v, want 1 updated, 1 soft-deleted", run.Stats)
	}

	budgets := f.activeBudgets(t)
	if _, ok := budgets["Sales"]; ok {
		t.Error("Sales should be soft-deleted")
	}
	if !budgets["Engineering"].BudgetedAmount.Equal(decimal.NewFromInt(600000)) {
		t.Errorf("engineering = %s, want 600000", budgets["Engineering"].BudgetedAmount)
	}
}

func TestExecuteFileSyncFailures(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		content   string
		configure func(c *models.SyncConfig)
		wantCode  errors.ErrorCode
	}{
		{
			name:     "no data rows",
			file:     "empty.csv",
			content:  "Dept,FY,Budget\n",
			wantCode: errors.CodeEmptyOrUnparseable,
		},
		{
			name:     "missing required field",
			file:     "notes.csv",
			content:  "Department,Notes\nEngineering,hello\n",
			wantCode: errors.CodeMissingRequiredField,
		},
		{
			name:    "low confidence without auto apply",
			file:    "plan.csv",
			content: "Department,Planning Period,Budget\nSales,FY2025,10\n",
			configure: func(c *models.SyncConfig) {
				c.MinConfidence = 1.0
			},
			wantCode: errors.CodeLowMappingConfidence,
		},
		{
			name:     "every row rejected",
			file:     "bad.csv",
			content:  "Dept,FY,Budget\nEngineering,FY2025,abc\n,FY2025,10\n",
			wantCode: errors.CodeRowTransform,
		},
		{
			name: "source unavailable",
			configure: func(c *models.SyncConfig) {
				c.Source.Local.Path = filepath.Join(c.Source.Local.Path, "missing")
			},
			wantCode: errors.CodeSourceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.file != "" {
				f.upload(t, tt.file, tt.content, time.Hour)
			}
			if tt.configure != nil {
				tt.configure(f.config)
			}

			run, err := f.run(t)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.HasCode(err, tt.wantCode) {
				t.Errorf("error = %v, want code %s", err, tt.wantCode)
			}
			if run == nil || run.Status != models.SyncFailed {
				t.Fatalf("run = %+v, want failed", run)
			}
			if len(run.Errors) == 0 {
				t.Error("failed run should carry its errors")
			}
			if len(f.activeBudgets(t)) != 0 {
				t.Error("a failed run must not touch the ledger")
			}

			history, histErr := f.store.ListSyncRuns(context.Background(), "tenant-a", 10)
			if histErr != nil {
				t.Fatal(histErr)
			}
			if len(history) != 1 || history[0].Status != models.SyncFailed {
				t.Errorf("history = %+v, want one failed run", history)
			}
		})
	}
}

func TestExecuteFileSyncSourceUnavailableIsTransient(t *testing.T) {
	f := newFixture(t)
	f.config.Source.Local.Path = filepath.Join(f.uploads, "missing")

	_, err := f.run(t)
	if !errors.IsTransient(err) {
		t.Errorf("error = %v, want transient", err)
	}
}

func TestExecuteFileSyncAutoApplyLowConfidence(t *testing.T) {
	f := newFixture(t)
	f.config.MinConfidence = 1.0
	f.config.AutoApplyMapping = true
	f.upload(t, "plan.csv", "Department,Planning Period,Budget\nSales,FY2025,10\n", time.Hour)

	run, err := f.run(t)
	if err != nil {
		t.Fatalf("ExecuteFileSync() error = %v", err)
	}
	if run.Stats.Created != 1 {
		t.Errorf("stats = %+v, want 1 created", run.Stats)
	}

	found := false
	for _, w := range run.Warnings {
		if strings.HasPrefix(w, "auto-applied mapping") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want the auto-applied mapping reported", run.Warnings)
	}
}

func TestExecuteFileSyncPartialKeepsDroppedRowsInLedger(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "v1.csv", "Dept,FY,Budget\nEngineering,FY2025,500\nLegal,FY2025,100\n", 3*time.Hour)
	if _, err := f.run(t); err != nil {
		t.Fatalf("first run error = %v", err)
	}

	f.upload(t, "v2.csv", "Dept,FY,Budget\nEngineering,FY2025,500\nLegal,FY2025,oops\nSales,FY2025,50\n", -time.Minute)
	run, err := f.run(t)
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if run.Status != models.SyncPartial {
		t.Errorf("status = %s, want partial", run.Status)
	}
	if run.Stats.Total != 3 || run.Stats.Errors != 1 || run.Stats.Created != 1 || run.Stats.Unchanged != 1 {
		t.Errorf("stats = %+v", run.Stats)
	}
	if run.Stats.SoftDeleted != 0 {
		t.Errorf("soft deleted = %d, a rejected row must not delete its budget", run.Stats.SoftDeleted)
	}
	if _, ok := f.activeBudgets(t)["Legal"]; !ok {
		t.Error("Legal should stay active")
	}

	found := false
	for _, e := range run.Errors {
		if strings.HasPrefix(e, "row 2:") {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want the rejected row named", run.Errors)
	}
}

func TestExecuteFileSyncSoftDeleteDisabled(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "v1.csv", "Dept,FY,Budget\nEngineering,FY2025,500\nSales,FY2025,100\n", 3*time.Hour)
	if _, err := f.run(t); err != nil {
		t.Fatal(err)
	}

	f.config.SoftDeleteMissing = false
	f.upload(t, "v2.csv", "Dept,FY,Budget\nEngineering,FY2025,500\n", -time.Minute)
	run, err := f.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if run.Stats.SoftDeleted != 0 || len(f.activeBudgets(t)) != 2 {
		t.Errorf("stats = %+v, want nothing soft-deleted", run.Stats)
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		stats models.SyncStats
		want  models.SyncStatus
	}{
		{models.SyncStats{Total: 5}, models.SyncSuccess},
		{models.SyncStats{Total: 5, Errors: 2}, models.SyncPartial},
		{models.SyncStats{Total: 5, Errors: 5}, models.SyncFailed},
		{models.SyncStats{}, models.SyncSuccess},
	}
	for _, tt := range tests {
		if got := deriveStatus(tt.stats); got != tt.want {
			t.Errorf("deriveStatus(%+v) = %s, want %s", tt.stats, got, tt.want)
		}
	}
}

func TestTransformDefaultsAndDrops(t *testing.T) {
	parsed := &parsers.ParsedFile{
		Path:    "budgets.csv",
		Headers: []string{"Dept", "FY", "Budget", "Category"},
		Rows: [][]string{
			{" Engineering ", "fy2025", "1,000", "Cloud"},
			{"Sales", "FY2025", "n/a", ""},
			{"", "FY2025", "10", ""},
		},
	}
	mappings := []models.ColumnMapping{
		{SourceColumn: "Dept", TargetField: models.FieldDepartment},
		{SourceColumn: "FY", TargetField: models.FieldFiscalPeriod},
		{SourceColumn: "Budget", TargetField: models.FieldBudgetedAmount},
		{SourceColumn: "Category", TargetField: models.FieldSubCategory},
	}

	out := transform(parsed, mappings, nil)
	if len(out.records) != 1 {
		t.Fatalf("records = %+v, want 1", out.records)
	}
	rec := out.records[0]
	if rec.Department != "Engineering" || rec.FiscalPeriod != "FY2025" || rec.SubCategory != "Cloud" ||
		rec.Currency != "USD" || !rec.BudgetedAmount.Equal(decimal.NewFromInt(1000)) || rec.SourceRow != 1 {
		t.Errorf("record = %+v", rec)
	}
	if out.dropped != 2 || len(out.errors) != 2 {
		t.Fatalf("dropped = %d, errors = %d, want 2 each", out.dropped, len(out.errors))
	}
	if out.errors[0].Code != errors.CodeInvalidAmount || out.errors[0].Location.Row != 2 {
		t.Errorf("first error = %v", out.errors[0])
	}
	if len(out.protected) != 1 || out.protected[0].Department != "Sales" {
		t.Errorf("protected = %+v, want the Sales key only", out.protected)
	}
}

func TestTransformSkipsValidatorErrorRows(t *testing.T) {
	headers := []string{"Dept", "FY", "Budget"}
	rows := [][]string{
		{"Engineering", "FY2025", "-5"},
		{"Sales", "FY2025", "5"},
	}
	mappings := []models.ColumnMapping{
		{SourceColumn: "Dept", TargetField: models.FieldDepartment},
		{SourceColumn: "FY", TargetField: models.FieldFiscalPeriod},
		{SourceColumn: "Budget", TargetField: models.FieldBudgetedAmount},
	}
	result := validator.New(nil).Validate(headers, rows, mappings, nil)

	out := transform(&parsers.ParsedFile{Headers: headers, Rows: rows}, mappings, result)
	if len(out.records) != 1 || out.records[0].Department != "Sales" {
		t.Errorf("records = %+v, want only Sales", out.records)
	}
	if out.dropped != 1 || len(out.errors) != 0 {
		t.Errorf("dropped = %d, errors = %d, want 1 dropped and no duplicate error", out.dropped, len(out.errors))
	}
}

func TestTriggeredByActor(t *testing.T) {
	if got := triggeredByActor(""); got != importer.DefaultChangedBy {
		t.Errorf("got %q", got)
	}
	if got := triggeredByActor("manual"); got != "budget-sync:manual" {
		t.Errorf("got %q", got)
	}
}
