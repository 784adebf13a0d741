package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NaturalKey identifies a Budget within a tenant. An empty SubCategory stands
// for "no sub-category".
type NaturalKey struct {
	Department   string `json:"department"`
	SubCategory  string `json:"subCategory,omitempty"`
	FiscalPeriod string `json:"fiscalPeriod"`
}

// String returns a readable form of the key
func (k NaturalKey) String() string {
	if k.SubCategory == "" {
		return fmt.Sprintf("%s/%s", k.Department, k.FiscalPeriod)
	}
	return fmt.Sprintf("%s/%s/%s", k.Department, k.SubCategory, k.FiscalPeriod)
}

// BudgetRecord is one transformed source row. It is never persisted directly;
// it is the input of reconciliation.
type BudgetRecord struct {
	Department     string          `json:"department"`
	SubCategory    string          `json:"subCategory,omitempty"`
	FiscalPeriod   string          `json:"fiscalPeriod"`
	BudgetedAmount decimal.Decimal `json:"budgetedAmount"`
	Currency       string          `json:"currency"`
	SourceRow      int             `json:"sourceRow,omitempty"`
}

// Key returns the record's natural key
func (r BudgetRecord) Key() NaturalKey {
	return NaturalKey{
		Department:   r.Department,
		SubCategory:  r.SubCategory,
		FiscalPeriod: r.FiscalPeriod,
	}
}

// Validate performs the basic shape check reconciliation relies on
func (r BudgetRecord) Validate() error {
	if strings.TrimSpace(r.Department) == "" {
		return fmt.Errorf("department cannot be empty")
	}
	if strings.TrimSpace(r.FiscalPeriod) == "" {
		return fmt.Errorf("fiscal period cannot be empty")
	}
	if r.BudgetedAmount.IsNegative() {
		return fmt.Errorf("budgeted amount cannot be negative: %s", r.BudgetedAmount)
	}
	return nil
}

// Budget is the persisted ledger entity
type Budget struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	Department     string          `json:"department"`
	SubCategory    string          `json:"subCategory,omitempty"`
	FiscalPeriod   string          `json:"fiscalPeriod"`
	BudgetedAmount decimal.Decimal `json:"budgetedAmount"`
	Currency       string          `json:"currency"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	DeletedAt      *time.Time      `json:"deletedAt,omitempty"`
}

// Key returns the budget's natural key
func (b *Budget) Key() NaturalKey {
	return NaturalKey{
		Department:   b.Department,
		SubCategory:  b.SubCategory,
		FiscalPeriod: b.FiscalPeriod,
	}
}

// IsDeleted reports whether the budget is soft-deleted
func (b *Budget) IsDeleted() bool {
	return b.DeletedAt != nil
}

// Snapshot captures the fields reconciliation may change
func (b *Budget) Snapshot() *BudgetSnapshot {
	return &BudgetSnapshot{
		BudgetedAmount: b.BudgetedAmount,
		Currency:       b.Currency,
		Deleted:        b.IsDeleted(),
	}
}

// BudgetUtilization tracks money already committed against a budget. It is
// owned by the approval workflow and is read-only to sync.
type BudgetUtilization struct {
	BudgetID        string          `json:"budgetId"`
	CommittedAmount decimal.Decimal `json:"committedAmount"`
	ReservedAmount  decimal.Decimal `json:"reservedAmount"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// AuditAction names a ledger mutation
type AuditAction string

const (
	AuditSyncCreate     AuditAction = "SYNC_CREATE"
	AuditSyncUpdate     AuditAction = "SYNC_UPDATE"
	AuditSyncRevive     AuditAction = "SYNC_REVIVE"
	AuditSyncSoftDelete AuditAction = "SYNC_SOFT_DELETE"
)

// BudgetSnapshot is the audited value of a budget before or after a change
type BudgetSnapshot struct {
	BudgetedAmount decimal.Decimal `json:"budgetedAmount"`
	Currency       string          `json:"currency"`
	Deleted        bool            `json:"deleted"`
}

// AuditLogEntry is an append-only record of one ledger mutation
type AuditLogEntry struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	BudgetID  string          `json:"budgetId"`
	Action    AuditAction     `json:"action"`
	OldValue  *BudgetSnapshot `json:"oldValue,omitempty"`
	NewValue  *BudgetSnapshot `json:"newValue,omitempty"`
	ChangedBy string          `json:"changedBy"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}
