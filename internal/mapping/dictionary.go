package mapping

import (
	"regexp"
	"strings"

	"budget-sync-service/internal/models"
)

// ValueValidator reports whether a sample value has the shape of a field
type ValueValidator func(value string) bool

// FieldDefinition is the dictionary entry of one canonical field
type FieldDefinition struct {
	Field     models.CanonicalField
	Synonyms  []string
	Validator ValueValidator
}

// Dictionary is the set of field definitions the engine classifies against
type Dictionary []FieldDefinition

var (
	hasLetter    = regexp.MustCompile(`[A-Za-z]`)
	currencyCode = regexp.MustCompile(`^[A-Za-z]{3}$`)
)

// DefaultDictionary returns the built-in synonym dictionary
func DefaultDictionary() Dictionary {
	return Dictionary{
		{
			Field: models.FieldDepartment,
			Synonyms: []string{
				"department", "dept", "dept name", "department name", "division",
				"business unit", "cost center", "cost centre", "org unit",
				"organization", "organisation", "team",
			},
			Validator: func(v string) bool {
				return hasLetter.MatchString(v)
			},
		},
		{
			Field: models.FieldSubCategory,
			Synonyms: []string{
				"sub category", "subcategory", "sub-category", "category",
				"line item", "gl account", "account", "expense category",
				"expense type", "cost category", "budget category",
			},
		},
		{
			Field: models.FieldFiscalPeriod,
			Synonyms: []string{
				"fiscal period", "fiscal year", "fy", "period", "year", "quarter",
				"fiscal quarter", "budget period", "budget year", "time period",
			},
			Validator: func(v string) bool {
				_, ok := models.DetectPeriodFormat(v)
				return ok
			},
		},
		{
			Field: models.FieldBudgetedAmount,
			Synonyms: []string{
				"budgeted amount", "budget amount", "budget", "amount", "budgeted",
				"allocation", "allocated amount", "planned amount", "plan amount",
				"total budget", "budget total", "value",
			},
			Validator: func(v string) bool {
				_, err := models.ParseAmount(v)
				return err == nil
			},
		},
		{
			Field: models.FieldCurrency,
			Synonyms: []string{
				"currency", "currency code", "ccy", "curr", "iso currency",
			},
			Validator: func(v string) bool {
				return currencyCode.MatchString(strings.TrimSpace(v))
			},
		},
	}
}

// Definition returns the entry for field
func (d Dictionary) Definition(field models.CanonicalField) (FieldDefinition, bool) {
	for _, def := range d {
		if def.Field == field {
			return def, true
		}
	}
	return FieldDefinition{}, false
}

// ExampleSynonyms returns up to n synonyms of field for operator hints
func (d Dictionary) ExampleSynonyms(field models.CanonicalField, n int) []string {
	def, ok := d.Definition(field)
	if !ok {
		return nil
	}
	if len(def.Synonyms) < n {
		return def.Synonyms
	}
	return def.Synonyms[:n]
}

var separators = regexp.MustCompile(`[\s_]+`)

// normalizeHeader trims and lower-cases a header, collapsing runs of
// whitespace and underscores into single spaces.
func normalizeHeader(header string) string {
	return separators.ReplaceAllString(strings.ToLower(strings.TrimSpace(header)), " ")
}
