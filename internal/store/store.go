// Package store persists the budget ledger, utilization, audit log and sync
// history.
package store

import (
	"context"
	"time"

	"budget-sync-service/internal/models"
)

// Tx is the unit of work reconciliation writes through. Everything done
// inside one Tx commits or rolls back together.
type Tx interface {
	ListBudgets(ctx context.Context, tenantID string, includeDeleted bool) ([]*models.Budget, error)
	CreateBudget(ctx context.Context, budget *models.Budget) error
	// UpdateBudget writes the amount, currency and deletion state only.
	UpdateBudget(ctx context.Context, budget *models.Budget) error
	SoftDeleteBudget(ctx context.Context, budgetID string, at time.Time) error
	AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error

	// Savepoint runs fn so that its writes are undone on error without
	// aborting the enclosing transaction.
	Savepoint(ctx context.Context, fn func() error) error
}

// Store is the persistence collaborator of the sync pipeline
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	ListBudgets(ctx context.Context, tenantID string, includeDeleted bool) ([]*models.Budget, error)
	GetBudgetByKey(ctx context.Context, tenantID string, key models.NaturalKey) (*models.Budget, error)

	GetUtilization(ctx context.Context, budgetID string) (*models.BudgetUtilization, error)
	UpsertUtilization(ctx context.Context, utilization *models.BudgetUtilization) error

	ListAuditEntries(ctx context.Context, tenantID, budgetID string) ([]*models.AuditLogEntry, error)

	SaveSyncRun(ctx context.Context, run *models.SyncRun) error
	LastSuccessfulSyncRun(ctx context.Context, tenantID string) (*models.SyncRun, error)
	ListSyncRuns(ctx context.Context, tenantID string, limit int) ([]*models.SyncRun, error)

	Close() error
}
