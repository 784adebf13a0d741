package errors

import (
	"fmt"
	"strings"
)

// RowContext locates a problem inside a source file
type RowContext struct {
	File     string `json:"file,omitempty"`
	Row      int    `json:"row"`
	Column   string `json:"column,omitempty"`
	Value    string `json:"value,omitempty"`
	Expected string `json:"expected,omitempty"`
}

// RowError is a row-level failure. It is collected on the sync run and never
// aborts the run on its own.
type RowError struct {
	*SyncError
	Location *RowContext `json:"location"`
}

// Error formats the error with its row and column
func (e *RowError) Error() string {
	if e.Location == nil {
		return e.SyncError.Message
	}
	location := fmt.Sprintf("row %d", e.Location.Row)
	if e.Location.Column != "" {
		location += fmt.Sprintf(" column '%s'", e.Location.Column)
	}
	return fmt.Sprintf("%s: %s", location, e.SyncError.Message)
}

// GetDetailedError returns a multi-line description for operators
func (e *RowError) GetDetailedError() string {
	var lines []string

	lines = append(lines, fmt.Sprintf("ERROR: %s", e.Message))
	if e.Location != nil {
		if e.Location.File != "" {
			lines = append(lines, fmt.Sprintf("  -> File: %s", e.Location.File))
		}
		lines = append(lines, fmt.Sprintf("  -> Row: %d", e.Location.Row))
		if e.Location.Column != "" {
			lines = append(lines, fmt.Sprintf("  -> Column: %s", e.Location.Column))
		}
		if e.Location.Value != "" {
			lines = append(lines, fmt.Sprintf("  -> Value: '%s'", e.Location.Value))
		}
		if e.Location.Expected != "" {
			lines = append(lines, fmt.Sprintf("  -> Expected: %s", e.Location.Expected))
		}
	}
	if e.Suggestion != "" {
		lines = append(lines, fmt.Sprintf("  -> Suggestion: %s", e.Suggestion))
	}

	return strings.Join(lines, "\n")
}

// NewRowError creates a row transform error at the given location
func NewRowError(location *RowContext, message string) *RowError {
	base := New(CategoryValidation, CodeRowTransform, message)
	if location != nil {
		base.WithContext("row", location.Row).
			WithContext("column", location.Column).
			WithContext("value", location.Value)
	}
	return &RowError{SyncError: base, Location: location}
}

// MissingValueError reports an empty required value
func MissingValueError(row int, column, field string) *RowError {
	err := NewRowError(&RowContext{Row: row, Column: column, Expected: field},
		fmt.Sprintf("missing required value for %s", field))
	err.Suggestion = "fill in the value or remove the row"
	return err
}

// InvalidAmountError reports a budgeted amount that does not parse
func InvalidAmountError(row int, column, value string) *RowError {
	err := NewRowError(&RowContext{Row: row, Column: column, Value: value, Expected: "positive decimal number"},
		fmt.Sprintf("invalid budgeted amount %q", value))
	err.Code = CodeInvalidAmount
	err.Suggestion = "use plain numbers such as 12500 or 12,500.00"
	return err
}
