// Package importer reconciles a snapshot of budget records into the tenant
// ledger.
//
// Records are matched to persisted budgets by natural key (department,
// sub-category, fiscal period). A new key creates a budget, a changed
// amount or currency updates it, a soft-deleted key that reappears is
// revived, and, when enabled, every active budget absent from the snapshot
// is soft-deleted. The diff runs against the full ledger of the tenant, so
// budgets created outside sync are soft-deleted too when they are missing
// from the file.
//
// Only budgeted amount, currency and deletion state are ever written.
// Utilization rows are never touched. Every mutation appends an audit
// entry and the whole batch commits in one transaction.
package importer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"budget-sync-service/internal/models"
	"budget-sync-service/internal/store"
	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

// DefaultChangedBy is recorded on audit entries when metadata names no actor
const DefaultChangedBy = "budget-sync"

// ImportMetadata describes the sync a batch belongs to
type ImportMetadata struct {
	SyncID    string
	ChangedBy string
	Reason    string

	// SoftDeleteMissing enables soft-deleting active budgets whose key is
	// absent from the batch.
	SoftDeleteMissing bool

	// ProtectedKeys are never soft-deleted by this batch. The orchestrator
	// passes the keys of rows it dropped so a malformed row cannot delete
	// its ledger entry.
	ProtectedKeys []models.NaturalKey
}

// RecordError is a record that could not be applied
type RecordError struct {
	Key       models.NaturalKey `json:"key"`
	SourceRow int               `json:"sourceRow,omitempty"`
	Message   string            `json:"message"`
}

// Error implements error
func (e RecordError) Error() string {
	if e.SourceRow > 0 {
		return fmt.Sprintf("row %d (%s): %s", e.SourceRow, e.Key, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Key, e.Message)
}

// ImportResult counts what a batch did
type ImportResult struct {
	Created     int           `json:"created"`
	Updated     int           `json:"updated"`
	Unchanged   int           `json:"unchanged"`
	SoftDeleted int           `json:"softDeleted"`
	Errors      []RecordError `json:"errors"`
}

// Engine applies record batches to the ledger
type Engine struct {
	store  store.Store
	logger logger.Logger
	now    func() time.Time
	newID  func() string
}

// NewEngine creates an import engine over the store
func NewEngine(st store.Store) *Engine {
	return &Engine{
		store:  st,
		logger: logger.GetGlobalLogger().WithComponent("importer"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// SetLogger replaces the engine's logger
func (e *Engine) SetLogger(log logger.Logger) {
	e.logger = log.WithComponent("importer")
}

// batch is the state of one ImportBudgets call
type batch struct {
	tenantID string
	meta     ImportMetadata
	now      time.Time
	ledger   map[models.NaturalKey]*models.Budget
	seen     map[models.NaturalKey]bool
	result   *ImportResult
}

// ImportBudgets reconciles records into the tenant ledger. Per-record
// failures are collected on the result; an error is returned only when the
// batch as a whole could not be applied, in which case nothing was written.
func (e *Engine) ImportBudgets(ctx context.Context, tenantID string, records []models.BudgetRecord, meta ImportMetadata) (*ImportResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "tenant_id", tenantID, nil)
	}
	if meta.ChangedBy == "" {
		meta.ChangedBy = DefaultChangedBy
	}
	if meta.Reason == "" {
		meta.Reason = fmt.Sprintf("budget sync %s", meta.SyncID)
	}

	log := e.logger.WithFields(logger.Fields{
		"tenant_id": tenantID,
		"sync_id":   meta.SyncID,
		"records":   len(records),
	})

	var result *ImportResult
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		existing, err := tx.ListBudgets(ctx, tenantID, true)
		if err != nil {
			return errors.PersistenceError(errors.CodePersistenceUnavailable, "load ledger", err)
		}

		b := &batch{
			tenantID: tenantID,
			meta:     meta,
			now:      e.now(),
			ledger:   make(map[models.NaturalKey]*models.Budget, len(existing)),
			seen:     make(map[models.NaturalKey]bool, len(records)+len(meta.ProtectedKeys)),
			result:   &ImportResult{Errors: []RecordError{}},
		}
		for _, budget := range existing {
			b.ledger[budget.Key()] = budget
		}
		for _, key := range meta.ProtectedKeys {
			b.seen[normalizeKey(key)] = true
		}

		for _, record := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.applyRecord(ctx, tx, b, normalizeRecord(record))
		}

		if meta.SoftDeleteMissing {
			e.softDeleteMissing(ctx, tx, b)
		}

		result = b.result
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Import batch failed, no changes were applied")
		return nil, errors.WrapIfNeeded(err, errors.CategoryPersistence, errors.CodePersistenceUnavailable, "import budgets")
	}

	log.WithFields(logger.Fields{
		"created":      result.Created,
		"updated":      result.Updated,
		"unchanged":    result.Unchanged,
		"soft_deleted": result.SoftDeleted,
		"errors":       len(result.Errors),
	}).Info("Import batch applied")

	return result, nil
}

func (e *Engine) applyRecord(ctx context.Context, tx store.Tx, b *batch, record models.BudgetRecord) {
	key := record.Key()
	if key.Department != "" && key.FiscalPeriod != "" {
		b.seen[key] = true
	}

	if err := record.Validate(); err != nil {
		b.fail(record, err.Error())
		return
	}

	current, exists := b.ledger[key]
	switch {
	case !exists:
		budget := &models.Budget{
			ID:             e.newID(),
			TenantID:       b.tenantID,
			Department:     record.Department,
			SubCategory:    record.SubCategory,
			FiscalPeriod:   record.FiscalPeriod,
			BudgetedAmount: record.BudgetedAmount,
			Currency:       record.Currency,
			CreatedAt:      b.now,
			UpdatedAt:      b.now,
		}
		err := tx.Savepoint(ctx, func() error {
			if err := tx.CreateBudget(ctx, budget); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, e.audit(b, budget.ID, models.AuditSyncCreate, nil, budget.Snapshot()))
		})
		if err != nil {
			b.fail(record, err.Error())
			return
		}
		b.ledger[key] = budget
		b.result.Created++

	case current.IsDeleted():
		updated := *current
		updated.BudgetedAmount = record.BudgetedAmount
		updated.Currency = record.Currency
		updated.DeletedAt = nil
		updated.UpdatedAt = b.now
		err := tx.Savepoint(ctx, func() error {
			if err := tx.UpdateBudget(ctx, &updated); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, e.audit(b, current.ID, models.AuditSyncRevive, current.Snapshot(), updated.Snapshot()))
		})
		if err != nil {
			b.fail(record, err.Error())
			return
		}
		b.ledger[key] = &updated
		b.result.Updated++

	case current.BudgetedAmount.Equal(record.BudgetedAmount) && current.Currency == record.Currency:
		b.result.Unchanged++

	default:
		updated := *current
		updated.BudgetedAmount = record.BudgetedAmount
		updated.Currency = record.Currency
		updated.UpdatedAt = b.now
		err := tx.Savepoint(ctx, func() error {
			if err := tx.UpdateBudget(ctx, &updated); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, e.audit(b, current.ID, models.AuditSyncUpdate, current.Snapshot(), updated.Snapshot()))
		})
		if err != nil {
			b.fail(record, err.Error())
			return
		}
		b.ledger[key] = &updated
		b.result.Updated++
	}
}

func (e *Engine) softDeleteMissing(ctx context.Context, tx store.Tx, b *batch) {
	var deleted []string
	for key, budget := range b.ledger {
		if budget.IsDeleted() || b.seen[key] {
			continue
		}

		after := *budget
		at := b.now
		after.DeletedAt = &at
		err := tx.Savepoint(ctx, func() error {
			if err := tx.SoftDeleteBudget(ctx, budget.ID, at); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, e.audit(b, budget.ID, models.AuditSyncSoftDelete, budget.Snapshot(), after.Snapshot()))
		})
		if err != nil {
			b.result.Errors = append(b.result.Errors, RecordError{
				Key:     key,
				Message: fmt.Sprintf("soft delete failed: %v", err),
			})
			continue
		}
		b.ledger[key] = &after
		b.result.SoftDeleted++
		deleted = append(deleted, key.String())
	}

	if len(deleted) > 0 {
		e.logger.WithFields(logger.Fields{
			"tenant_id":    b.tenantID,
			"sync_id":      b.meta.SyncID,
			"soft_deleted": len(deleted),
			"keys":         deleted,
		}).Warn("Soft-deleted budgets missing from the source snapshot")
	}
}

func (e *Engine) audit(b *batch, budgetID string, action models.AuditAction, oldValue, newValue *models.BudgetSnapshot) *models.AuditLogEntry {
	return &models.AuditLogEntry{
		ID:        e.newID(),
		TenantID:  b.tenantID,
		BudgetID:  budgetID,
		Action:    action,
		OldValue:  oldValue,
		NewValue:  newValue,
		ChangedBy: b.meta.ChangedBy,
		Reason:    b.meta.Reason,
		Timestamp: b.now,
	}
}

func (b *batch) fail(record models.BudgetRecord, message string) {
	b.result.Errors = append(b.result.Errors, RecordError{
		Key:       record.Key(),
		SourceRow: record.SourceRow,
		Message:   message,
	})
}

func normalizeKey(key models.NaturalKey) models.NaturalKey {
	return models.NaturalKey{
		Department:   strings.TrimSpace(key.Department),
		SubCategory:  strings.TrimSpace(key.SubCategory),
		FiscalPeriod: models.NormalizeFiscalPeriod(key.FiscalPeriod),
	}
}

func normalizeRecord(record models.BudgetRecord) models.BudgetRecord {
	key := normalizeKey(record.Key())
	record.Department = key.Department
	record.SubCategory = key.SubCategory
	record.FiscalPeriod = key.FiscalPeriod
	record.Currency = models.NormalizeCurrency(record.Currency)
	return record
}
