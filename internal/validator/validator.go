// Package validator checks mapped source rows before they are transformed
// into budget records. Issues carry 1-based row numbers (the header row is
// not counted) so operators can fix the source file directly.
package validator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"budget-sync-service/internal/models"
	"budget-sync-service/internal/similarity"
	"budget-sync-service/pkg/logger"
)

// Severity of an issue
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// IssueCode identifies the check that produced an issue
type IssueCode string

const (
	CodeMissingRequiredField     IssueCode = "MISSING_REQUIRED_FIELD"
	CodeEmptyDepartment          IssueCode = "EMPTY_DEPARTMENT"
	CodeUnknownDepartment        IssueCode = "UNKNOWN_DEPARTMENT"
	CodeEmptyAmount              IssueCode = "EMPTY_AMOUNT"
	CodeInvalidAmount            IssueCode = "INVALID_AMOUNT"
	CodeNonPositiveAmount        IssueCode = "NON_POSITIVE_AMOUNT"
	CodeAmountAboveThreshold     IssueCode = "AMOUNT_ABOVE_THRESHOLD"
	CodeEmptyFiscalPeriod        IssueCode = "EMPTY_FISCAL_PERIOD"
	CodeUnrecognizedPeriodFormat IssueCode = "UNRECOGNIZED_PERIOD_FORMAT"
	CodeUnsupportedCurrency      IssueCode = "UNSUPPORTED_CURRENCY"
	CodeInconsistentPeriodFormat IssueCode = "INCONSISTENT_PERIOD_FORMAT"
	CodeDuplicateKey             IssueCode = "DUPLICATE_KEY"
	CodeMissingYearCoverage      IssueCode = "MISSING_YEAR_COVERAGE"
)

// Issue is one validation finding. Row is 0 for file-level issues.
type Issue struct {
	Severity   Severity              `json:"severity"`
	Code       IssueCode             `json:"code"`
	Row        int                   `json:"row,omitempty"`
	Column     string                `json:"column,omitempty"`
	Field      models.CanonicalField `json:"field,omitempty"`
	Value      string                `json:"value,omitempty"`
	Message    string                `json:"message"`
	Suggestion string                `json:"suggestion,omitempty"`
}

// String renders the issue the way it is stored on a sync run
func (i Issue) String() string {
	var b strings.Builder
	if i.Row > 0 {
		fmt.Fprintf(&b, "row %d: ", i.Row)
	}
	b.WriteString(i.Message)
	if i.Suggestion != "" {
		fmt.Fprintf(&b, " (%s)", i.Suggestion)
	}
	return b.String()
}

// Stats summarises a validation pass
type Stats struct {
	TotalRows   int `json:"totalRows"`
	ValidRows   int `json:"validRows"`
	WarningRows int `json:"warningRows"`
	ErrorRows   int `json:"errorRows"`
	Errors      int `json:"errors"`
	Warnings    int `json:"warnings"`
}

// Result is the outcome of Validate
type Result struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
	Stats  Stats   `json:"stats"`

	errorRows map[int]bool
}

// IsErrorRow reports whether the 1-based row has any error-severity issue
func (r *Result) IsErrorRow(row int) bool {
	return r.errorRows[row]
}

// Errors returns the error-severity issues
func (r *Result) Errors() []Issue {
	return r.filter(SeverityError)
}

// Warnings returns the warning-severity issues
func (r *Result) Warnings() []Issue {
	return r.filter(SeverityWarning)
}

func (r *Result) filter(severity Severity) []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Severity == severity {
			out = append(out, issue)
		}
	}
	return out
}

// TenantConfig carries the tenant-specific reference values
type TenantConfig struct {
	KnownDepartments    []string
	SupportedCurrencies []string
}

// Config holds validator thresholds
type Config struct {
	// AmountWarningThreshold flags implausibly large amounts.
	AmountWarningThreshold decimal.Decimal

	// DefaultCurrencies is used when the tenant lists none.
	DefaultCurrencies []string

	// Now supplies the date used for fiscal year coverage.
	Now func() time.Time
}

// DefaultConfig returns the default validator configuration
func DefaultConfig() *Config {
	return &Config{
		AmountWarningThreshold: decimal.New(1, 9),
		DefaultCurrencies: []string{
			"USD", "EUR", "GBP", "CAD", "AUD", "NZD", "JPY", "CHF", "CNY", "INR",
			"SGD", "HKD", "SEK", "NOK", "DKK", "MXN", "BRL", "ZAR", "IDR",
		},
		Now: time.Now,
	}
}

// Validator checks mapped rows
type Validator struct {
	config *Config
	logger logger.Logger
}

// New creates a validator. A nil config uses DefaultConfig.
func New(config *Config) *Validator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Validator{
		config: config,
		logger: logger.GetGlobalLogger().WithComponent("validator"),
	}
}

// SetLogger replaces the validator's logger
func (v *Validator) SetLogger(log logger.Logger) {
	v.logger = log.WithComponent("validator")
}

// rowState accumulates issues for the row being checked
type rowState struct {
	result *Result
	row    int
}

func (s *rowState) add(issue Issue) {
	issue.Row = s.row
	s.result.Issues = append(s.result.Issues, issue)
}

// Validate checks rows against the accepted mappings. When a required field
// is not mapped the rows are not inspected at all.
func (v *Validator) Validate(headers []string, rows [][]string, mappings []models.ColumnMapping, tenant *TenantConfig) *Result {
	if tenant == nil {
		tenant = &TenantConfig{}
	}

	result := &Result{
		Issues:    []Issue{},
		errorRows: make(map[int]bool),
	}
	result.Stats.TotalRows = len(rows)

	index := models.ColumnIndex(headers, mappings)
	columns := make(map[models.CanonicalField]string, len(mappings))
	for _, m := range mappings {
		columns[m.TargetField] = m.SourceColumn
	}

	var missing []models.CanonicalField
	for _, field := range models.RequiredFields() {
		if _, ok := index[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		for _, field := range missing {
			result.Issues = append(result.Issues, Issue{
				Severity: SeverityError,
				Code:     CodeMissingRequiredField,
				Field:    field,
				Message:  fmt.Sprintf("required field '%s' is not mapped to any column", field),
			})
		}
		result.Stats.ErrorRows = len(rows)
		result.Stats.Errors = len(missing)
		v.logger.WithField("missing_fields", missing).Warn("Skipping row validation, required fields are not mapped")
		return result
	}

	currencies := tenant.SupportedCurrencies
	if len(currencies) == 0 {
		currencies = v.config.DefaultCurrencies
	}
	supported := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		supported[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	known := make(map[string]bool, len(tenant.KnownDepartments))
	for _, d := range tenant.KnownDepartments {
		known[strings.ToLower(strings.TrimSpace(d))] = true
	}

	firstSeen := make(map[models.NaturalKey]int)
	var formatsSeen []models.PeriodFormat
	formatSet := make(map[models.PeriodFormat]bool)
	years := make(map[int]bool)

	cell := func(row []string, field models.CanonicalField) (string, bool) {
		i, ok := index[field]
		if !ok {
			return "", false
		}
		if i >= len(row) {
			return "", true
		}
		return strings.TrimSpace(row[i]), true
	}

	for i, row := range rows {
		state := &rowState{result: result, row: i + 1}

		department, _ := cell(row, models.FieldDepartment)
		if department == "" {
			state.add(Issue{
				Severity: SeverityError,
				Code:     CodeEmptyDepartment,
				Column:   columns[models.FieldDepartment],
				Field:    models.FieldDepartment,
				Message:  "department is empty",
			})
		} else if len(known) > 0 && !known[strings.ToLower(department)] {
			issue := Issue{
				Severity: SeverityWarning,
				Code:     CodeUnknownDepartment,
				Column:   columns[models.FieldDepartment],
				Field:    models.FieldDepartment,
				Value:    department,
				Message:  fmt.Sprintf("department '%s' is not a known department", department),
			}
			if match, ok := similarity.Closest(department, tenant.KnownDepartments); ok {
				issue.Suggestion = fmt.Sprintf("did you mean '%s'?", match.Value)
			}
			state.add(issue)
		}

		v.checkAmount(state, row, index, columns)

		period, _ := cell(row, models.FieldFiscalPeriod)
		if period == "" {
			state.add(Issue{
				Severity: SeverityError,
				Code:     CodeEmptyFiscalPeriod,
				Column:   columns[models.FieldFiscalPeriod],
				Field:    models.FieldFiscalPeriod,
				Message:  "fiscal period is empty",
			})
		} else if format, ok := models.DetectPeriodFormat(period); ok {
			if !formatSet[format] {
				formatSet[format] = true
				formatsSeen = append(formatsSeen, format)
			}
			if year, ok := models.PeriodYear(period); ok {
				years[year] = true
			}
		} else {
			state.add(Issue{
				Severity:   SeverityWarning,
				Code:       CodeUnrecognizedPeriodFormat,
				Column:     columns[models.FieldFiscalPeriod],
				Field:      models.FieldFiscalPeriod,
				Value:      period,
				Message:    fmt.Sprintf("fiscal period '%s' is not in a supported format", period),
				Suggestion: "use one of FYyyyy, FYyy, Qn-yyyy, FYyyyy-Qn, yyyy-Qn or yyyy",
			})
		}

		if currency, mapped := cell(row, models.FieldCurrency); mapped && currency != "" {
			if !supported[strings.ToUpper(currency)] {
				state.add(Issue{
					Severity: SeverityWarning,
					Code:     CodeUnsupportedCurrency,
					Column:   columns[models.FieldCurrency],
					Field:    models.FieldCurrency,
					Value:    currency,
					Message:  fmt.Sprintf("currency '%s' is not supported", currency),
				})
			}
		}

		if department != "" && period != "" {
			subCategory, _ := cell(row, models.FieldSubCategory)
			key := models.NaturalKey{
				Department:   department,
				SubCategory:  subCategory,
				FiscalPeriod: models.NormalizeFiscalPeriod(period),
			}
			if first, dup := firstSeen[key]; dup {
				state.add(Issue{
					Severity: SeverityError,
					Code:     CodeDuplicateKey,
					Value:    key.String(),
					Message:  fmt.Sprintf("duplicate budget %s, first seen on row %d", key, first),
				})
			} else {
				firstSeen[key] = state.row
			}
		}
	}

	if len(formatsSeen) > 1 {
		names := make([]string, len(formatsSeen))
		for i, f := range formatsSeen {
			names[i] = string(f)
		}
		result.Issues = append(result.Issues, Issue{
			Severity: SeverityWarning,
			Code:     CodeInconsistentPeriodFormat,
			Field:    models.FieldFiscalPeriod,
			Message:  fmt.Sprintf("fiscal periods use mixed formats: %s", strings.Join(names, ", ")),
		})
	}

	if len(years) > 0 {
		current := v.config.Now().Year()
		var uncovered []string
		for _, year := range []int{current, current + 1} {
			if !years[year] {
				uncovered = append(uncovered, fmt.Sprintf("%d", year))
			}
		}
		if len(uncovered) > 0 {
			result.Issues = append(result.Issues, Issue{
				Severity: SeverityWarning,
				Code:     CodeMissingYearCoverage,
				Field:    models.FieldFiscalPeriod,
				Message:  fmt.Sprintf("no budgets cover fiscal year %s", strings.Join(uncovered, " or ")),
			})
		}
	}

	v.summarize(result)

	v.logger.WithFields(logger.Fields{
		"rows":         result.Stats.TotalRows,
		"valid_rows":   result.Stats.ValidRows,
		"warning_rows": result.Stats.WarningRows,
		"error_rows":   result.Stats.ErrorRows,
	}).Debug("Validated rows")

	return result
}

func (v *Validator) checkAmount(state *rowState, row []string, index map[models.CanonicalField]int, columns map[models.CanonicalField]string) {
	raw := ""
	if i := index[models.FieldBudgetedAmount]; i < len(row) {
		raw = strings.TrimSpace(row[i])
	}
	column := columns[models.FieldBudgetedAmount]

	if raw == "" {
		state.add(Issue{
			Severity: SeverityError,
			Code:     CodeEmptyAmount,
			Column:   column,
			Field:    models.FieldBudgetedAmount,
			Message:  "budgeted amount is empty",
		})
		return
	}

	amount, err := models.ParseAmount(raw)
	if err != nil {
		state.add(Issue{
			Severity: SeverityError,
			Code:     CodeInvalidAmount,
			Column:   column,
			Field:    models.FieldBudgetedAmount,
			Value:    raw,
			Message:  fmt.Sprintf("budgeted amount '%s' is not a number", raw),
		})
		return
	}

	if !amount.IsPositive() {
		state.add(Issue{
			Severity: SeverityError,
			Code:     CodeNonPositiveAmount,
			Column:   column,
			Field:    models.FieldBudgetedAmount,
			Value:    raw,
			Message:  fmt.Sprintf("budgeted amount must be positive, got %s", amount),
		})
		return
	}

	if amount.GreaterThan(v.config.AmountWarningThreshold) {
		state.add(Issue{
			Severity: SeverityWarning,
			Code:     CodeAmountAboveThreshold,
			Column:   column,
			Field:    models.FieldBudgetedAmount,
			Value:    raw,
			Message:  fmt.Sprintf("budgeted amount %s exceeds %s", amount, v.config.AmountWarningThreshold),
		})
	}
}

// summarize classifies rows by their worst issue and fills in the counts
func (v *Validator) summarize(result *Result) {
	warningRows := make(map[int]bool)
	for _, issue := range result.Issues {
		switch issue.Severity {
		case SeverityError:
			result.Stats.Errors++
			if issue.Row > 0 {
				result.errorRows[issue.Row] = true
			}
		case SeverityWarning:
			result.Stats.Warnings++
			if issue.Row > 0 {
				warningRows[issue.Row] = true
			}
		}
	}

	result.Stats.ErrorRows = len(result.errorRows)
	for row := range warningRows {
		if !result.errorRows[row] {
			result.Stats.WarningRows++
		}
	}
	result.Stats.ValidRows = result.Stats.TotalRows - result.Stats.ErrorRows - result.Stats.WarningRows
	result.Valid = result.Stats.Errors == 0

	sort.SliceStable(result.Issues, func(i, j int) bool {
		return issueRow(result.Issues[i]) < issueRow(result.Issues[j])
	})
}

// issueRow orders file-level issues after row issues
func issueRow(issue Issue) int {
	if issue.Row == 0 {
		return int(^uint(0) >> 1)
	}
	return issue.Row
}
