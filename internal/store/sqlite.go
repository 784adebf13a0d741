package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/shopspring/decimal"

	"budget-sync-service/internal/models"
	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLiteStore implements Store on SQLite
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	logger logger.Logger
}

// NewSQLiteStore opens the database and applies pending migrations
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "database.path", dbPath, nil)
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
			return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "create database directory", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "open database", err)
	}

	// SQLite doesn't benefit from multiple connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "ping database", err)
	}

	s := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		logger: logger.GetGlobalLogger().WithComponent("store"),
	}

	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "migrate database", err)
	}

	return s, nil
}

// SetLogger replaces the store's logger
func (s *SQLiteStore) SetLogger(log logger.Logger) {
	s.logger = log.WithComponent("store")
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithinTx runs fn in one transaction, committing when it returns nil
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.PersistenceError(errors.CodePersistenceUnavailable, "begin transaction", err)
	}

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.WithError(rbErr).Error("Failed to roll back transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.PersistenceError(errors.CodePersistenceUnavailable, "commit transaction", err)
	}
	return nil
}

// sqliteTx wraps sql.Tx to implement Tx
type sqliteTx struct {
	tx         *sql.Tx
	savepoints int
}

func (t *sqliteTx) ListBudgets(ctx context.Context, tenantID string, includeDeleted bool) ([]*models.Budget, error) {
	return listBudgets(ctx, t.tx, tenantID, includeDeleted)
}

func (t *sqliteTx) CreateBudget(ctx context.Context, budget *models.Budget) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO budgets (id, tenant_id, department, sub_category, fiscal_period,
			budgeted_amount, currency, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		budget.ID, budget.TenantID, budget.Department, budget.SubCategory, budget.FiscalPeriod,
		budget.BudgetedAmount.String(), budget.Currency,
		budget.CreatedAt.UTC(), budget.UpdatedAt.UTC(), nullTime(budget.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create budget %s: %w", budget.Key(), err)
	}
	return nil
}

func (t *sqliteTx) UpdateBudget(ctx context.Context, budget *models.Budget) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE budgets
		SET budgeted_amount = ?, currency = ?, deleted_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?`,
		budget.BudgetedAmount.String(), budget.Currency, nullTime(budget.DeletedAt),
		budget.UpdatedAt.UTC(), budget.ID, budget.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update budget %s: %w", budget.ID, err)
	}
	return expectOneRow(res, "budget "+budget.ID)
}

func (t *sqliteTx) SoftDeleteBudget(ctx context.Context, budgetID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE budgets SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		at.UTC(), at.UTC(), budgetID,
	)
	if err != nil {
		return fmt.Errorf("failed to soft-delete budget %s: %w", budgetID, err)
	}
	return expectOneRow(res, "active budget "+budgetID)
}

func (t *sqliteTx) AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error {
	oldValue, err := marshalNullable(entry.OldValue)
	if err != nil {
		return err
	}
	newValue, err := marshalNullable(entry.NewValue)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_id, budget_id, action, old_value, new_value,
			changed_by, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.BudgetID, string(entry.Action), oldValue, newValue,
		entry.ChangedBy, entry.Reason, entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry for budget %s: %w", entry.BudgetID, err)
	}
	return nil
}

func (t *sqliteTx) Savepoint(ctx context.Context, fn func() error) error {
	t.savepoints++
	name := fmt.Sprintf("sp_%d", t.savepoints)

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint after %v: %w", err, rbErr)
		}
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return fmt.Errorf("failed to release savepoint after %v: %w", err, relErr)
		}
		return err
	}

	if _, err := t.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// ListBudgets returns the tenant's budgets ordered by natural key
func (s *SQLiteStore) ListBudgets(ctx context.Context, tenantID string, includeDeleted bool) ([]*models.Budget, error) {
	budgets, err := listBudgets(ctx, s.db, tenantID, includeDeleted)
	if err != nil {
		return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "list budgets", err)
	}
	return budgets, nil
}

const budgetColumns = `id, tenant_id, department, sub_category, fiscal_period,
	budgeted_amount, currency, created_at, updated_at, deleted_at`

func listBudgets(ctx context.Context, q queryer, tenantID string, includeDeleted bool) ([]*models.Budget, error) {
	query := `SELECT ` + budgetColumns + ` FROM budgets WHERE tenant_id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY department, sub_category, fiscal_period`

	rows, err := q.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query budgets: %w", err)
	}
	defer rows.Close()

	var budgets []*models.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate budgets: %w", err)
	}
	return budgets, nil
}

// GetBudgetByKey returns the budget with the natural key, deleted or not
func (s *SQLiteStore) GetBudgetByKey(ctx context.Context, tenantID string, key models.NaturalKey) (*models.Budget, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budgets
		WHERE tenant_id = ? AND department = ? AND sub_category = ? AND fiscal_period = ?`,
		tenantID, key.Department, key.SubCategory, key.FiscalPeriod)

	b, err := scanBudget(row)
	if err == sql.ErrNoRows {
		return nil, errors.PersistenceError(errors.CodeNotFound, "budget "+key.String(), err)
	}
	if err != nil {
		return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "get budget", err)
	}
	return b, nil
}

// GetUtilization returns the utilization of a budget. A budget with no
// utilization row reports zero committed and reserved amounts.
func (s *SQLiteStore) GetUtilization(ctx context.Context, budgetID string) (*models.BudgetUtilization, error) {
	var committed, reserved string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT committed_amount, reserved_amount, updated_at
		FROM budget_utilization WHERE budget_id = ?`, budgetID,
	).Scan(&committed, &reserved, &updatedAt)
	if err == sql.ErrNoRows {
		return &models.BudgetUtilization{
			BudgetID:        budgetID,
			CommittedAmount: decimal.Zero,
			ReservedAmount:  decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "get utilization", err)
	}

	u := &models.BudgetUtilization{BudgetID: budgetID, UpdatedAt: updatedAt}
	if u.CommittedAmount, err = decimal.NewFromString(committed); err != nil {
		return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "decode committed amount", err)
	}
	if u.ReservedAmount, err = decimal.NewFromString(reserved); err != nil {
		return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "decode reserved amount", err)
	}
	return u, nil
}

// UpsertUtilization writes a utilization row. Only the approval workflow
// calls this; reconciliation never does.
func (s *SQLiteStore) UpsertUtilization(ctx context.Context, u *models.BudgetUtilization) error {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_utilization (budget_id, committed_amount, reserved_amount, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(budget_id) DO UPDATE SET
			committed_amount = excluded.committed_amount,
			reserved_amount = excluded.reserved_amount,
			updated_at = excluded.updated_at`,
		u.BudgetID, u.CommittedAmount.String(), u.ReservedAmount.String(), u.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.PersistenceError(errors.CodePersistenceUnavailable, "upsert utilization", err)
	}
	return nil
}

// ListAuditEntries returns a budget's audit trail, oldest first
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, tenantID, budgetID string) ([]*models.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, budget_id, action, old_value, new_value, changed_by, reason, timestamp
		FROM audit_log WHERE tenant_id = ? AND budget_id = ?
		ORDER BY timestamp, rowid`, tenantID, budgetID)
	if err != nil {
		return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "list audit entries", err)
	}
	defer rows.Close()

	var entries []*models.AuditLogEntry
	for rows.Next() {
		var (
			e                  models.AuditLogEntry
			action             string
			oldValue, newValue sql.NullString
			reason             sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.BudgetID, &action, &oldValue, &newValue,
			&e.ChangedBy, &reason, &e.Timestamp); err != nil {
			return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "scan audit entry", err)
		}
		e.Action = models.AuditAction(action)
		e.Reason = reason.String
		if e.OldValue, err = unmarshalSnapshot(oldValue); err != nil {
			return nil, err
		}
		if e.NewValue, err = unmarshalSnapshot(newValue); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "iterate audit entries", err)
	}
	return entries, nil
}

// SaveSyncRun writes a sync run. Runs are immutable, saving the same id
// twice is an error.
func (s *SQLiteStore) SaveSyncRun(ctx context.Context, run *models.SyncRun) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "encode sync stats", err)
	}
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "encode sync errors", err)
	}
	warnings, err := json.Marshal(run.Warnings)
	if err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "encode sync warnings", err)
	}
	mappings, err := json.Marshal(run.Mappings)
	if err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "encode sync mappings", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (sync_id, tenant_id, status, start_time, end_time, stats, errors,
			warnings, source_type, triggered_by, file_name, mapping_confidence, mappings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.SyncID, run.TenantID, string(run.Status), run.StartTime.UTC(), run.EndTime.UTC(),
		string(stats), string(errs), string(warnings), string(run.SourceType), run.TriggeredBy,
		run.FileName, run.MappingConfidence, string(mappings),
	)
	if err != nil {
		return errors.PersistenceError(errors.CodePersistenceUnavailable, "save sync run", err)
	}
	return nil
}

const syncRunColumns = `sync_id, tenant_id, status, start_time, end_time, stats, errors, warnings,
	source_type, triggered_by, file_name, mapping_confidence, mappings`

// LastSuccessfulSyncRun returns the newest successful run, or nil when the
// tenant has none
func (s *SQLiteStore) LastSuccessfulSyncRun(ctx context.Context, tenantID string) (*models.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncRunColumns+` FROM sync_runs
		WHERE tenant_id = ? AND status = ?
		ORDER BY end_time DESC LIMIT 1`, tenantID, string(models.SyncSuccess))

	run, err := scanSyncRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "get last sync run", err)
	}
	return run, nil
}

// ListSyncRuns returns the tenant's runs, newest first. A non-positive
// limit returns every run.
func (s *SQLiteStore) ListSyncRuns(ctx context.Context, tenantID string, limit int) ([]*models.SyncRun, error) {
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs WHERE tenant_id = ? ORDER BY start_time DESC, rowid DESC`
	args := []interface{}{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "list sync runs", err)
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "scan sync run", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "iterate sync runs", err)
	}
	return runs, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBudget(row scanner) (*models.Budget, error) {
	var (
		b         models.Budget
		amount    string
		deletedAt sql.NullTime
	)
	err := row.Scan(&b.ID, &b.TenantID, &b.Department, &b.SubCategory, &b.FiscalPeriod,
		&amount, &b.Currency, &b.CreatedAt, &b.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	if b.BudgetedAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid stored amount %q for budget %s: %w", amount, b.ID, err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		b.DeletedAt = &t
	}
	return &b, nil
}

func scanSyncRun(row scanner) (*models.SyncRun, error) {
	var (
		run                                     models.SyncRun
		status, stats                           string
		errs, warnings, sourceType, triggeredBy sql.NullString
		fileName, mappings                      sql.NullString
	)
	err := row.Scan(&run.SyncID, &run.TenantID, &status, &run.StartTime, &run.EndTime, &stats,
		&errs, &warnings, &sourceType, &triggeredBy, &fileName, &run.MappingConfidence, &mappings)
	if err != nil {
		return nil, err
	}

	run.Status = models.SyncStatus(status)
	run.SourceType = models.SourceType(sourceType.String)
	run.TriggeredBy = triggeredBy.String
	run.FileName = fileName.String

	if err := json.Unmarshal([]byte(stats), &run.Stats); err != nil {
		return nil, fmt.Errorf("invalid stored stats for run %s: %w", run.SyncID, err)
	}
	for _, field := range []struct {
		raw    sql.NullString
		target interface{}
	}{
		{errs, &run.Errors},
		{warnings, &run.Warnings},
		{mappings, &run.Mappings},
	} {
		if !field.raw.Valid || field.raw.String == "" || field.raw.String == "null" {
			continue
		}
		if err := json.Unmarshal([]byte(field.raw.String), field.target); err != nil {
			return nil, fmt.Errorf("invalid stored run %s: %w", run.SyncID, err)
		}
	}
	return &run, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func marshalNullable(snapshot *models.BudgetSnapshot) (sql.NullString, error) {
	if snapshot == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode audit value: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalSnapshot(raw sql.NullString) (*models.BudgetSnapshot, error) {
	if !raw.Valid {
		return nil, nil
	}
	var snapshot models.BudgetSnapshot
	if err := json.Unmarshal([]byte(raw.String), &snapshot); err != nil {
		return nil, errors.PersistenceError(errors.CodePersistenceUnavailable, "decode audit value", err)
	}
	return &snapshot, nil
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%s not found", what)
	}
	return nil
}
