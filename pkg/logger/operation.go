package logger

import (
	"fmt"
	"sync"
	"time"
)

// OperationLogger logs a multi-step operation such as one sync pipeline run.
// Steps are recorded so the caller can report which step failed.
type OperationLogger struct {
	logger    Logger
	operation string
	fields    Fields
	steps     []string
	startTime time.Time
	mu        sync.Mutex
}

// NewOperationLogger creates a new operation logger
func NewOperationLogger(operation string, logger Logger) *OperationLogger {
	if logger == nil {
		logger = GetGlobalLogger()
	}

	ol := &OperationLogger{
		logger:    logger,
		operation: operation,
		fields:    make(Fields),
		startTime: time.Now(),
	}

	ol.logger.WithField("operation", operation).Debug("Starting operation")
	return ol
}

// WithField adds a field to the operation context
func (ol *OperationLogger) WithField(key string, value interface{}) *OperationLogger {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	ol.fields[key] = value
	return ol
}

// WithFields adds multiple fields to the operation context
func (ol *OperationLogger) WithFields(fields Fields) *OperationLogger {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	for k, v := range fields {
		ol.fields[k] = v
	}
	return ol
}

// Step logs a step within the operation
func (ol *OperationLogger) Step(step string) {
	ol.mu.Lock()
	ol.steps = append(ol.steps, step)
	fields := ol.snapshot()
	ol.mu.Unlock()

	fields["step"] = step
	ol.logger.WithFields(fields).Debug("Operation step")
}

// CurrentStep returns the most recent step, or "" before the first one.
func (ol *OperationLogger) CurrentStep() string {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	if len(ol.steps) == 0 {
		return ""
	}
	return ol.steps[len(ol.steps)-1]
}

// Progress logs progress information
func (ol *OperationLogger) Progress(message string, processed, total int64) {
	ol.mu.Lock()
	fields := ol.snapshot()
	ol.mu.Unlock()

	fields["processed"] = processed
	fields["total"] = total
	if total > 0 {
		fields["percentage"] = fmt.Sprintf("%.1f%%", float64(processed)/float64(total)*100)
	}
	ol.logger.WithFields(fields).Info(message)
}

// Success completes the operation successfully
func (ol *OperationLogger) Success(message string) {
	ol.mu.Lock()
	fields := ol.snapshot()
	ol.mu.Unlock()

	fields["duration"] = time.Since(ol.startTime).String()
	fields["status"] = "success"
	ol.logger.WithFields(fields).Info(message)
}

// Error completes the operation with an error
func (ol *OperationLogger) Error(err error, message string) {
	ol.mu.Lock()
	fields := ol.snapshot()
	if len(ol.steps) > 0 {
		fields["failed_step"] = ol.steps[len(ol.steps)-1]
	}
	ol.mu.Unlock()

	fields["duration"] = time.Since(ol.startTime).String()
	fields["status"] = "error"
	ol.logger.WithError(err).WithFields(fields).Error(message)
}

// Warning logs a warning during the operation
func (ol *OperationLogger) Warning(message string) {
	ol.mu.Lock()
	fields := ol.snapshot()
	ol.mu.Unlock()

	ol.logger.WithFields(fields).Warn(message)
}

// snapshot copies the operation fields; callers hold mu.
func (ol *OperationLogger) snapshot() Fields {
	fields := Fields{"operation": ol.operation}
	for k, v := range ol.fields {
		fields[k] = v
	}
	return fields
}
