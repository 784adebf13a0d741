package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategorySource         ErrorCategory = "source"
	CategoryParse          ErrorCategory = "parse"
	CategoryMapping        ErrorCategory = "mapping"
	CategoryValidation     ErrorCategory = "validation"
	CategoryReconciliation ErrorCategory = "reconciliation"
	CategoryPersistence    ErrorCategory = "persistence"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryScheduler      ErrorCategory = "scheduler"
	CategoryInternal       ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Source errors
	CodeSourceUnavailable ErrorCode = "source_unavailable"
	CodeDownloadFailed    ErrorCode = "download_failed"

	// Parse errors
	CodeEmptyOrUnparseable  ErrorCode = "empty_or_unparseable"
	CodeUnsupportedFileType ErrorCode = "unsupported_file_type"
	CodeEncodingError       ErrorCode = "encoding_error"

	// Mapping errors
	CodeLowMappingConfidence ErrorCode = "low_mapping_confidence"
	CodeMissingRequiredField ErrorCode = "missing_required_field"

	// Validation errors
	CodeRowTransform  ErrorCode = "row_transform"
	CodeInvalidAmount ErrorCode = "invalid_amount"
	CodeMissingField  ErrorCode = "missing_field"

	// Reconciliation errors
	CodeRecordWriteFailed ErrorCode = "record_write_failed"

	// Persistence errors
	CodePersistenceUnavailable ErrorCode = "persistence_unavailable"
	CodeNotFound               ErrorCode = "not_found"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"

	// Scheduler errors
	CodeAlreadyRunning   ErrorCode = "already_running"
	CodeConcurrencyLimit ErrorCode = "concurrency_limit"
	CodeUnknownTenant    ErrorCode = "unknown_tenant"
	CodeSchedulerStopped ErrorCode = "scheduler_stopped"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// SyncError is the base error type for all application errors
type SyncError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *SyncError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", msg, e.Suggestion)
	}
	return msg
}

// Unwrap returns the underlying cause error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns an appropriate exit code for the error
func (e *SyncError) GetExitCode() int {
	switch e.Category {
	case CategorySource:
		return 2
	case CategoryParse, CategoryMapping, CategoryValidation:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryReconciliation, CategoryInternal:
		return 5
	case CategoryPersistence:
		return 6
	case CategoryScheduler:
		return 7
	default:
		return 1
	}
}

// IsTransient reports whether retrying the same operation later may succeed.
// Connectivity against a source or the store is transient; bad data is not.
func (e *SyncError) IsTransient() bool {
	switch e.Category {
	case CategorySource, CategoryPersistence:
		return true
	default:
		return false
	}
}

// WithContext adds context information to the error
func (e *SyncError) WithContext(key string, value interface{}) *SyncError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *SyncError) WithSuggestion(suggestion string) *SyncError {
	e.Suggestion = suggestion
	return e
}

// New creates a new SyncError
func New(category ErrorCategory, code ErrorCode, message string) *SyncError {
	return &SyncError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with SyncError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *SyncError {
	if err == nil {
		return nil
	}

	return &SyncError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

// stackTracer interface for extracting stack traces
type stackTracer interface {
	StackTrace() errors.StackTrace
}

func newOrWrap(err error, category ErrorCategory, code ErrorCode, message string) *SyncError {
	if err != nil {
		return Wrap(err, category, code, message)
	}
	return New(category, code, message)
}

// Specific error constructors

// SourceError reports a connectivity or listing failure against a file source.
func SourceError(code ErrorCode, sourceType string, target string, err error) *SyncError {
	var message, suggestion string

	switch code {
	case CodeSourceUnavailable:
		message = fmt.Sprintf("%s source unavailable at %s", sourceType, target)
		suggestion = "check connectivity, credentials and the configured path"
	case CodeDownloadFailed:
		message = fmt.Sprintf("failed to fetch %s from %s source", target, sourceType)
		suggestion = "check the file still exists and the credential can read it"
	default:
		message = fmt.Sprintf("%s source error at %s", sourceType, target)
		suggestion = "check the source configuration"
	}

	return newOrWrap(err, CategorySource, code, message).
		WithSuggestion(suggestion).
		WithContext("source_type", sourceType).
		WithContext("target", target)
}

// ParseError reports a file that could not be turned into header + rows.
func ParseError(code ErrorCode, file string, err error) *SyncError {
	var message, suggestion string

	switch code {
	case CodeEmptyOrUnparseable:
		message = fmt.Sprintf("file %s is empty or could not be parsed", file)
		suggestion = "ensure the file has a header row followed by data rows"
	case CodeUnsupportedFileType:
		message = fmt.Sprintf("unsupported file type: %s", file)
		suggestion = "upload .csv, .xlsx or .xls files"
	case CodeEncodingError:
		message = fmt.Sprintf("file %s is not valid UTF-8", file)
		suggestion = "save the file in UTF-8 encoding"
	default:
		message = fmt.Sprintf("parse error in file %s", file)
		suggestion = "check the file format and data integrity"
	}

	return newOrWrap(err, CategoryParse, code, message).
		WithSuggestion(suggestion).
		WithContext("file", file)
}

// MappingError reports a column mapping that cannot be applied automatically.
func MappingError(code ErrorCode, fields []string, detail string) *SyncError {
	var message, suggestion string

	switch code {
	case CodeLowMappingConfidence:
		message = fmt.Sprintf("manual review required: %s", detail)
		suggestion = "rename the listed columns, confirm the mapping, or enable auto-apply"
	case CodeMissingRequiredField:
		message = fmt.Sprintf("required fields not found in file: %s", strings.Join(fields, ", "))
		suggestion = "add columns for the listed fields"
	default:
		message = fmt.Sprintf("column mapping error: %s", detail)
		suggestion = "review the column headers"
	}

	return New(CategoryMapping, code, message).
		WithSuggestion(suggestion).
		WithContext("fields", fields)
}

// ValidationError creates a validation-related error
func ValidationError(code ErrorCode, field string, value interface{}, err error) *SyncError {
	var message, suggestion string

	switch code {
	case CodeInvalidAmount:
		message = fmt.Sprintf("invalid amount in field '%s': %v", field, value)
		suggestion = "use a positive decimal number (e.g., '12500.00')"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this required field"
	default:
		message = fmt.Sprintf("validation error in field '%s': %v", field, value)
		suggestion = "check the field value and format"
	}

	return newOrWrap(err, CategoryValidation, code, message).
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *SyncError {
	var message, suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this configuration setting or use a config file"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	return newOrWrap(err, CategoryConfiguration, code, message).
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// PersistenceError reports a store failure that aborts the run.
func PersistenceError(code ErrorCode, operation string, err error) *SyncError {
	var message, suggestion string

	switch code {
	case CodePersistenceUnavailable:
		message = fmt.Sprintf("persistence unavailable during %s", operation)
		suggestion = "check the database is reachable and writable"
	case CodeNotFound:
		message = fmt.Sprintf("not found: %s", operation)
		suggestion = "check the identifier"
	default:
		message = fmt.Sprintf("persistence error during %s", operation)
		suggestion = "check the database and try again"
	}

	return newOrWrap(err, CategoryPersistence, code, message).
		WithSuggestion(suggestion).
		WithContext("operation", operation)
}

// SchedulerError reports why a tenant job was not started.
func SchedulerError(code ErrorCode, tenantID string) *SyncError {
	var message string

	switch code {
	case CodeAlreadyRunning:
		message = fmt.Sprintf("sync already running for tenant %s", tenantID)
	case CodeConcurrencyLimit:
		message = fmt.Sprintf("concurrency limit reached, sync for tenant %s skipped", tenantID)
	case CodeUnknownTenant:
		message = fmt.Sprintf("no sync job registered for tenant %s", tenantID)
	case CodeSchedulerStopped:
		message = "scheduler is stopped"
	default:
		message = fmt.Sprintf("scheduler error for tenant %s", tenantID)
	}

	return New(CategoryScheduler, code, message).WithContext("tenant_id", tenantID)
}

// InternalError creates an internal error
func InternalError(code ErrorCode, operation string, err error) *SyncError {
	message := fmt.Sprintf("unexpected error during %s", operation)
	return newOrWrap(err, CategoryInternal, code, message).
		WithSuggestion("this is likely a bug - please report it with the error details").
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total        int                   `json:"total"`
	ByCategory   map[ErrorCategory]int `json:"by_category"`
	ByCode       map[ErrorCode]int     `json:"by_code"`
	Errors       []*SyncError          `json:"errors"`
	SampleErrors []*SyncError          `json:"sample_errors,omitempty"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*SyncError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}
	if len(errs) == 0 {
		summary.Errors = []*SyncError{}
		return summary
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}

	maxSamples := 5
	if len(errs) > maxSamples {
		summary.SampleErrors = errs[:maxSamples]
	} else {
		summary.SampleErrors = errs
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	return es.ByCategory[category] > 0
}

// HasCode checks if the summary contains errors with the given code
func (es *ErrorSummary) HasCode(code ErrorCode) bool {
	return es.ByCode[code] > 0
}

// GetExitCode returns the highest priority exit code from all errors
func (es *ErrorSummary) GetExitCode() int {
	if es.Total == 0 {
		return 0
	}

	maxCode := 1
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}

	return maxCode
}

// Utility functions

// AsSyncError extracts a SyncError from an error chain
func AsSyncError(err error) (*SyncError, bool) {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr, true
	}
	return nil, false
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// HasCode reports whether err carries a SyncError with the given code.
func HasCode(err error, code ErrorCode) bool {
	syncErr, ok := AsSyncError(err)
	return ok && syncErr.Code == code
}

// IsTransient reports whether err is a SyncError worth retrying.
func IsTransient(err error) bool {
	syncErr, ok := AsSyncError(err)
	return ok && syncErr.IsTransient()
}

// WrapIfNeeded wraps an error if it's not already a SyncError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *SyncError {
	if err == nil {
		return nil
	}

	if syncErr, ok := AsSyncError(err); ok {
		return syncErr
	}

	return Wrap(err, category, code, message)
}
