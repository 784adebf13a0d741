package syncer

import (
	"strings"

	"budget-sync-service/internal/models"
	"budget-sync-service/internal/parsers"
	"budget-sync-service/internal/validator"
	"budget-sync-service/pkg/errors"
)

// transformed is the outcome of turning parsed rows into budget records
type transformed struct {
	records []models.BudgetRecord

	// errors holds rows the validator accepted but that still could not be
	// transformed. Rows the validator rejected are counted in dropped only.
	errors  []*errors.RowError
	dropped int

	// protected are the natural keys of dropped rows, shielded from the
	// soft-delete pass.
	protected []models.NaturalKey
}

// transform builds budget records from every row without an error-severity
// issue. Unmapped optional fields take their defaults: currency falls back
// to USD and sub-category stays empty.
func transform(parsed *parsers.ParsedFile, mappings []models.ColumnMapping, validation *validator.Result) *transformed {
	index := models.ColumnIndex(parsed.Headers, mappings)
	columns := make(map[models.CanonicalField]string, len(mappings))
	for _, m := range mappings {
		columns[m.TargetField] = m.SourceColumn
	}

	cell := func(row []string, field models.CanonicalField) string {
		i, ok := index[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	out := &transformed{}
	for i, row := range parsed.Rows {
		rowNum := i + 1
		department := cell(row, models.FieldDepartment)
		subCategory := cell(row, models.FieldSubCategory)
		period := models.NormalizeFiscalPeriod(cell(row, models.FieldFiscalPeriod))

		drop := func(err *errors.RowError) {
			if err != nil {
				err.Location.File = parsed.Path
				out.errors = append(out.errors, err)
			}
			out.dropped++
			if department != "" && period != "" {
				out.protected = append(out.protected, models.NaturalKey{
					Department:   department,
					SubCategory:  subCategory,
					FiscalPeriod: period,
				})
			}
		}

		if validation != nil && validation.IsErrorRow(rowNum) {
			drop(nil)
			continue
		}
		if department == "" {
			drop(errors.MissingValueError(rowNum, columns[models.FieldDepartment], models.FieldDepartment.String()))
			continue
		}
		if period == "" {
			drop(errors.MissingValueError(rowNum, columns[models.FieldFiscalPeriod], models.FieldFiscalPeriod.String()))
			continue
		}
		rawAmount := cell(row, models.FieldBudgetedAmount)
		amount, err := models.ParseAmount(rawAmount)
		if err != nil {
			drop(errors.InvalidAmountError(rowNum, columns[models.FieldBudgetedAmount], rawAmount))
			continue
		}

		out.records = append(out.records, models.BudgetRecord{
			Department:     department,
			SubCategory:    subCategory,
			FiscalPeriod:   period,
			BudgetedAmount: amount,
			Currency:       models.NormalizeCurrency(cell(row, models.FieldCurrency)),
			SourceRow:      rowNum,
		})
	}
	return out
}
