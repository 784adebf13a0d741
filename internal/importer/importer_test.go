package importer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"budget-sync-service/internal/models"
	"budget-sync-service/internal/store"
	"budget-sync-service/pkg/logger"
)

func setup(t *testing.T) (*Engine, *store.SQLiteStore) {
	t.Helper()
	logger.SetGlobalLogger(logger.NewNopLogger())

	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	engine := NewEngine(st)
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return engine, st
}

func record(dept, period string, amount int64) models.BudgetRecord {
	return models.BudgetRecord{
		Department:     dept,
		FiscalPeriod:   period,
		BudgetedAmount: decimal.NewFromInt(amount),
		Currency:       "USD",
	}
}

func meta(syncID string) ImportMetadata {
	return ImportMetadata{SyncID: syncID, SoftDeleteMissing: true}
}

func activeBudgets(t *testing.T, st store.Store) map[models.NaturalKey]*models.Budget {
	t.Helper()
	budgets, err := st.ListBudgets(context.Background(), "tenant-a", false)
	if err != nil {
		t.Fatalf("ListBudgets() error = %v", err)
	}
	out := make(map[models.NaturalKey]*models.Budget, len(budgets))
	for _, b := range budgets {
		out[b.Key()] = b
	}
	return out
}

func TestImportCreatesAndIsIdempotent(t *testing.T) {
	engine, st := setup(t)
	ctx := context.Background()

	records := []models.BudgetRecord{
		record("Engineering", "FY2025", 1000000),
		record("Marketing", "FY2025", 250000),
	}

	first, err := engine.ImportBudgets(ctx, "tenant-a", records, meta("sync-1"))
	if err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}
	if first.Created != 2 || first.Updated != 0 || first.Unchanged != 0 || first.SoftDeleted != 0 {
		t.Errorf("first run = %+v, want 2 created", first)
	}

	second, err := engine.ImportBudgets(ctx, "tenant-a", records, meta("sync-2"))
	if err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}
	if second.Created != 0 || second.Updated != 0 || second.Unchanged != 2 || second.SoftDeleted != 0 {
		t.Errorf("second run = %+v, want 2 unchanged", second)
	}

	budgets := activeBudgets(t, st)
	if len(budgets) != 2 {
		t.Fatalf("active budgets = %d, want 2", len(budgets))
	}

	eng := budgets[models.NaturalKey{Department: "Engineering", FiscalPeriod: "FY2025"}]
	entries, err := st.ListAuditEntries(ctx, "tenant-a", eng.ID)
	if err != nil {
		t.Fatalf("ListAuditEntries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Action != models.AuditSyncCreate {
		t.Errorf("audit entries = %+v, want one SYNC_CREATE", entries)
	}
}

func TestImportUpdateWritesAuditWithOldValue(t *testing.T) {
	engine, st := setup(t)
	ctx := context.Background()

	if _, err := engine.ImportBudgets(ctx, "tenant-a", []models.BudgetRecord{record("Engineering", "FY2025", 1000000)}, meta("sync-1")); err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}

	result, err := engine.ImportBudgets(ctx, "tenant-a", []models.BudgetRecord{record("Engineering", "FY2025", 1200000)}, ImportMetadata{
		SyncID:            "sync-2",
		ChangedBy:         "ops@example.com",
		SoftDeleteMissing: true,
	})
	if err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}
	if result.Updated != 1 {
		t.Fatalf("Updated = %d, want 1", result.Updated)
	}

	budget := activeBudgets(t, st)[models.NaturalKey{Department: "Engineering", FiscalPeriod: "FY2025"}]
	if !budget.BudgetedAmount.Equal(decimal.NewFromInt(1200000)) {
		t.Errorf("amount = %s, want 1200000", budget.BudgetedAmount)
	}

	entries, err := st.ListAuditEntries(ctx, "tenant-a", budget.ID)
	if err != nil {
		t.Fatalf("ListAuditEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	update := entries[1]
	if update.Action != models.AuditSyncUpdate {
		t.Errorf("action = %s, want SYNC_UPDATE", update.Action)
	}
	if update.OldValue == nil || !update.OldValue.BudgetedAmount.Equal(decimal.NewFromInt(1000000)) {
		t.Errorf("old value = %+v, want 1000000", update.OldValue)
	}
	if update.NewValue == nil || !update.NewValue.BudgetedAmount.Equal(decimal.NewFromInt(1200000)) {
		t.Errorf("new value = %+v, want 1200000", update.NewValue)
	}
	if update.ChangedBy != "ops@example.com" {
		t.Errorf("changed by = %q", update.ChangedBy)
	}
}

func TestImportCurrencyChangeIsAnUpdate(t *testing.T) {
	engine, _ := setup(t)
	ctx := context.Background()

	if _, err := engine.ImportBudgets(ctx, "tenant-a", []models.BudgetRecord{record("Sales", "FY2025", 500)}, meta("sync-1")); err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}

	changed := record("Sales", "fy2025", 500)
	changed.Currency = "eur"
	result, err := engine.ImportBudgets(ctx, "tenant-a", []models.BudgetRecord{changed}, meta("sync-2"))
	if err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}
	if result.Updated != 1 || result.Created != 0 {
		t.Errorf("result = %+v, want one update against the normalized key", result)
	}
}

func TestImportSoftDeleteThenRevive(t *testing.T) {
	engine, st := setup(t)
	ctx := context.Background()

	both := []models.BudgetRecord{
		record("Engineering", "FY2025", 1000000),
		record("Marketing", "FY2025", 250000),
	}
	if _, err := engine.ImportBudgets(ctx, "tenant-a", both, meta("sync-1")); err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}

	result, err := engine.ImportBudgets(ctx, "tenant-a", both[:1], meta("sync-2"))
	if err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}
	if result.SoftDeleted != 1 || result.Unchanged != 1 {
		t.Fatalf("result = %+v, want 1 soft-deleted, 1 unchanged", result)
	}
	if _, ok := activeBudgets(t, st)[models.NaturalKey{Department: "Marketing", FiscalPeriod: "FY2025"}]; ok {
		t.Fatal("Marketing should be soft-deleted")
	}

	result, err = engine.ImportBudgets(ctx, "tenant-a", both, meta("sync-3"))
	if err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}
	if result.Updated != 1 || result.Created != 0 {
		t.Fatalf("result = %+v, want the deleted key revived as an update", result)
	}

	marketing := activeBudgets(t, st)[models.NaturalKey{Department: "Marketing", FiscalPeriod: "FY2025"}]
	if marketing == nil {
		t.Fatal("Marketing should be active again")
	}

	entries, err := st.ListAuditEntries(ctx, "tenant-a", marketing.ID)
	if err != nil {
		t.Fatalf("ListAuditEntries() error = %v", err)
	}
	var actions []models.AuditAction
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []models.AuditAction{models.AuditSyncCreate, models.AuditSyncSoftDelete, models.AuditSyncRevive}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("actions[%d] = %s, want %s", i, actions[i], want[i])
		}
	}
}

func TestImportSoftDeleteOptions(t *testing.T) {
	tests := []struct {
		name        string
		meta        ImportMetadata
		wantDeleted int
	}{
		{
			name:        "enabled",
			meta:        ImportMetadata{SyncID: "s", SoftDeleteMissing: true},
			wantDeleted: 1,
		},
		{
			name:        "disabled",
			meta:        ImportMetadata{SyncID: "s"},
			wantDeleted: 0,
		},
		{
			name: "protected key",
			meta: ImportMetadata{
				SyncID:            "s",
				SoftDeleteMissing: true,
				ProtectedKeys:     []models.NaturalKey{{Department: " Marketing ", FiscalPeriod: "fy2025"}},
			},
			wantDeleted: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, st := setup(t)
			ctx := context.Background()

			seedRecords := []models.BudgetRecord{
				record("Engineering", "FY2025", 100),
				record("Marketing", "FY2025", 200),
			}
			if _, err := engine.ImportBudgets(ctx, "tenant-a", seedRecords, meta("seed")); err != nil {
				t.Fatalf("seed error = %v", err)
			}

			result, err := engine.ImportBudgets(ctx, "tenant-a", seedRecords[:1], tt.meta)
			if err != nil {
				t.Fatalf("ImportBudgets() error = %v", err)
			}
			if result.SoftDeleted != tt.wantDeleted {
				t.Errorf("SoftDeleted = %d, want %d", result.SoftDeleted, tt.wantDeleted)
			}
			if got := len(activeBudgets(t, st)); got != 2-tt.wantDeleted {
				t.Errorf("active budgets = %d, want %d", got, 2-tt.wantDeleted)
			}
		})
	}
}

func TestImportNeverTouchesUtilization(t *testing.T) {
	engine, st := setup(t)
	ctx := context.Background()

	if _, err := engine.ImportBudgets(ctx, "tenant-a", []models.BudgetRecord{record("Engineering", "FY2025", 1000)}, meta("sync-1")); err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}
	budget := activeBudgets(t, st)[models.NaturalKey{Department: "Engineering", FiscalPeriod: "FY2025"}]

	utilization := &models.BudgetUtilization{
		BudgetID:        budget.ID,
		CommittedAmount: decimal.NewFromInt(800),
		ReservedAmount:  decimal.NewFromInt(150),
		UpdatedAt:       time.Now().UTC().Truncate(time.Second),
	}
	if err := st.UpsertUtilization(ctx, utilization); err != nil {
		t.Fatalf("UpsertUtilization() error = %v", err)
	}

	// Lower the budget below what is already committed, then delete it.
	if _, err := engine.ImportBudgets(ctx, "tenant-a", []models.BudgetRecord{record("Engineering", "FY2025", 500)}, meta("sync-2")); err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}
	if _, err := engine.ImportBudgets(ctx, "tenant-a", []models.BudgetRecord{record("Sales", "FY2025", 10)}, meta("sync-3")); err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}

	got, err := st.GetUtilization(ctx, budget.ID)
	if err != nil {
		t.Fatalf("GetUtilization() error = %v", err)
	}
	if !got.CommittedAmount.Equal(utilization.CommittedAmount) || !got.ReservedAmount.Equal(utilization.ReservedAmount) {
		t.Errorf("utilization = %+v, want %+v", got, utilization)
	}
}

func TestImportCollectsRecordErrors(t *testing.T) {
	engine, st := setup(t)
	ctx := context.Background()

	bad := record("", "FY2025", 100)
	bad.SourceRow = 3
	negative := record("Legal", "FY2025", -5)
	negative.SourceRow = 4

	records := []models.BudgetRecord{
		record("Engineering", "FY2025", 100),
		bad,
		negative,
	}
	result, err := engine.ImportBudgets(ctx, "tenant-a", records, meta("sync-1"))
	if err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}
	if result.Created != 1 {
		t.Errorf("Created = %d, want 1", result.Created)
	}
	if len(result.Errors) != 2 {
		t.Fatalf("Errors = %v, want 2", result.Errors)
	}
	if result.Errors[0].SourceRow != 3 || result.Errors[1].SourceRow != 4 {
		t.Errorf("error rows = %d, %d", result.Errors[0].SourceRow, result.Errors[1].SourceRow)
	}
	if len(activeBudgets(t, st)) != 1 {
		t.Error("only the valid record should be persisted")
	}
}

func TestImportInvalidRecordProtectsItsKey(t *testing.T) {
	engine, st := setup(t)
	ctx := context.Background()

	if _, err := engine.ImportBudgets(ctx, "tenant-a", []models.BudgetRecord{record("Legal", "FY2025", 100)}, meta("sync-1")); err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}

	result, err := engine.ImportBudgets(ctx, "tenant-a", []models.BudgetRecord{record("Legal", "FY2025", -1)}, meta("sync-2"))
	if err != nil {
		t.Fatalf("ImportBudgets() error = %v", err)
	}
	if result.SoftDeleted != 0 || len(result.Errors) != 1 {
		t.Errorf("result = %+v, want the rejected record to keep its ledger entry", result)
	}
	if len(activeBudgets(t, st)) != 1 {
		t.Error("Legal should still be active")
	}
}

func TestImportRequiresTenant(t *testing.T) {
	engine, _ := setup(t)
	if _, err := engine.ImportBudgets(context.Background(), " ", nil, meta("sync-1")); err == nil {
		t.Error("expected error for blank tenant")
	}
}

func TestImportCanceledContextWritesNothing(t *testing.T) {
	engine, st := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.ImportBudgets(ctx, "tenant-a", []models.BudgetRecord{record("Engineering", "FY2025", 1)}, meta("sync-1")); err == nil {
		t.Fatal("expected error for canceled context")
	}
	if len(activeBudgets(t, st)) != 0 {
		t.Error("nothing should be committed")
	}
}

func TestRecordErrorString(t *testing.T) {
	err := RecordError{
		Key:       models.NaturalKey{Department: "Sales", FiscalPeriod: "FY2025"},
		SourceRow: 7,
		Message:   "boom",
	}
	if got, want := err.Error(), "row 7 (Sales/FY2025): boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
