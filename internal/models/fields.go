// Package models holds the domain types shared by the sync pipeline: canonical
// budget fields, column mappings, ledger entities and sync run records.
package models

// CanonicalField is one of the fixed target semantics every source column is
// classified into.
type CanonicalField string

const (
	FieldDepartment     CanonicalField = "department"
	FieldSubCategory    CanonicalField = "subCategory"
	FieldFiscalPeriod   CanonicalField = "fiscalPeriod"
	FieldBudgetedAmount CanonicalField = "budgetedAmount"
	FieldCurrency       CanonicalField = "currency"
)

// DefaultCurrency is applied when a file carries no currency column.
const DefaultCurrency = "USD"

// AllFields returns every canonical field in a stable order
func AllFields() []CanonicalField {
	return []CanonicalField{
		FieldDepartment,
		FieldSubCategory,
		FieldFiscalPeriod,
		FieldBudgetedAmount,
		FieldCurrency,
	}
}

// RequiredFields returns the fields a file must provide
func RequiredFields() []CanonicalField {
	return []CanonicalField{FieldDepartment, FieldFiscalPeriod, FieldBudgetedAmount}
}

// IsRequired reports whether the field must be present in every file
func (f CanonicalField) IsRequired() bool {
	switch f {
	case FieldDepartment, FieldFiscalPeriod, FieldBudgetedAmount:
		return true
	default:
		return false
	}
}

// IsValid checks the field is one of the canonical set
func (f CanonicalField) IsValid() bool {
	for _, field := range AllFields() {
		if f == field {
			return true
		}
	}
	return false
}

// String returns the string representation of CanonicalField
func (f CanonicalField) String() string {
	return string(f)
}
