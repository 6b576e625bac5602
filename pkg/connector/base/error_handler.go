package base

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/errors"
	"github.com/driftsync/driftsync/pkg/record"
)

// ErrorHandler classifies connector errors and decides which of them
// are worth retrying. Typed errors are trusted; untyped errors fall
// back to message-pattern matching.
type ErrorHandler struct {
	logger *zap.Logger

	counts     map[string]int64
	countMutex sync.RWMutex

	totalErrors     int64
	transientErrors int64
	permanentErrors int64
}

// NewErrorHandler creates an error handler logging through the given logger.
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorHandler{
		logger: logger,
		counts: make(map[string]int64),
	}
}

// Handle records and logs an error, returning it marked as transient
// when it qualifies for retry. Typed errors pass through unchanged so
// callers can still inspect them.
func (eh *ErrorHandler) Handle(ctx context.Context, err error, rec *record.Record) error {
	if err == nil {
		return nil
	}

	atomic.AddInt64(&eh.totalErrors, 1)

	class := eh.Classify(err)
	eh.incrementCount(class)

	fields := []zap.Field{
		zap.Error(err),
		zap.String("error_class", class),
	}
	if rec != nil {
		fields = append(fields, zap.String("record_key", rec.Key))
	}

	if eh.ShouldRetry(err) {
		atomic.AddInt64(&eh.transientErrors, 1)
		eh.logger.Warn("transient connector error", fields...)

		// Pattern-matched errors carry no type yet; mark them so the
		// retry controller recognizes them.
		if !errors.IsRetryable(err) {
			return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "transient connector error")
		}
		return err
	}

	atomic.AddInt64(&eh.permanentErrors, 1)
	eh.logger.Error("permanent connector error", fields...)
	return err
}

// ShouldRetry reports whether an error is transient. Validation,
// schema, configuration, and authentication failures never retry.
func (eh *ErrorHandler) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	// Errors typed internal are explicitly permanent. Untyped errors
	// also report internal from GetType, so check the concrete type.
	if errors.IsType(err, errors.ErrorTypeInternal) {
		return false
	}

	switch errors.GetType(err) {
	case errors.ErrorTypeValidation,
		errors.ErrorTypeSchemaMismatch,
		errors.ErrorTypeConfig,
		errors.ErrorTypeAuthentication,
		errors.ErrorTypeNotFound,
		errors.ErrorTypeConflictUnresolved:
		return false
	}

	if errors.IsRetryable(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	nonRetryable := []string{
		"invalid credentials",
		"unauthorized",
		"forbidden",
		"bad request",
		"invalid configuration",
		"unsupported",
		"schema mismatch",
		"data corruption",
		"disk full",
	}
	for _, pattern := range nonRetryable {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}

	retryable := []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"connection closed",
		"broken pipe",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"too many clients",
		"not leader",
		"rate limit",
		"throttle",
		"deadlock",
		"i/o error",
		"eof",
	}
	for _, pattern := range retryable {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// Classify buckets an error for counting and logging.
func (eh *ErrorHandler) Classify(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.IsType(err, errors.ErrorTypeConnectorUnavailable):
		return "unavailable"
	case errors.IsType(err, errors.ErrorTypeTimeout):
		return "timeout"
	case errors.IsType(err, errors.ErrorTypeRateLimit):
		return "rate_limit"
	case errors.IsType(err, errors.ErrorTypeAuthentication):
		return "authentication"
	case errors.IsType(err, errors.ErrorTypeValidation):
		return "validation"
	case errors.IsType(err, errors.ErrorTypeSchemaMismatch):
		return "schema_mismatch"
	case errors.IsType(err, errors.ErrorTypeConfig):
		return "configuration"
	case errors.IsType(err, errors.ErrorTypeCheckpoint):
		return "checkpoint"
	case errors.IsType(err, errors.ErrorTypeNotFound):
		return "not_found"
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "connection"):
		return "connection"
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "unauthorized"):
		return "authentication"
	case strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "throttle"):
		return "rate_limit"
	case strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal"):
		return "parsing"
	case strings.Contains(errStr, "i/o"):
		return "io"
	default:
		return "unknown"
	}
}

// Stats returns a snapshot of error counters.
func (eh *ErrorHandler) Stats() map[string]interface{} {
	eh.countMutex.RLock()
	defer eh.countMutex.RUnlock()

	byClass := make(map[string]int64, len(eh.counts))
	for k, v := range eh.counts {
		byClass[k] = v
	}

	return map[string]interface{}{
		"total_errors":     atomic.LoadInt64(&eh.totalErrors),
		"transient_errors": atomic.LoadInt64(&eh.transientErrors),
		"permanent_errors": atomic.LoadInt64(&eh.permanentErrors),
		"errors_by_class":  byClass,
	}
}

// Reset clears all error counters.
func (eh *ErrorHandler) Reset() {
	eh.countMutex.Lock()
	defer eh.countMutex.Unlock()

	atomic.StoreInt64(&eh.totalErrors, 0)
	atomic.StoreInt64(&eh.transientErrors, 0)
	atomic.StoreInt64(&eh.permanentErrors, 0)
	eh.counts = make(map[string]int64)
}

func (eh *ErrorHandler) incrementCount(class string) {
	eh.countMutex.Lock()
	defer eh.countMutex.Unlock()
	eh.counts[class]++
}
