// Package errs defines the error kinds shared by the ledger, the ingestion
// pipeline and the query engine, and the classification step every external
// call result passes through before a retry decision is made.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Typed errors below unwrap to one of these.
var (
	ErrBudgetExceeded = errors.New("daily token budget exceeded")
	ErrExtraction     = errors.New("extraction failed")
	ErrTransient      = errors.New("transient provider error")
	ErrValidation     = errors.New("validation failed")
	ErrConsistency    = errors.New("unexpected state")
	ErrLedgerAnomaly  = errors.New("ledger anomaly")
	ErrNotFound       = errors.New("not found")
)

// Validation codes surfaced to API callers.
const (
	CodeInvalidQuestion    = "INVALID_QUESTION"
	CodeInvalidDocuments   = "INVALID_DOCUMENTS"
	CodeTooManyDocuments   = "TOO_MANY_DOCUMENTS"
	CodeDocumentNotReady   = "DOCUMENT_NOT_READY"
	CodePageLimitExceeded  = "PAGE_LIMIT_EXCEEDED"
	CodeInvalidAmount      = "INVALID_AMOUNT"
	CodeInvalidPagination  = "INVALID_PAGINATION"
	CodeInvalidUpload      = "INVALID_UPLOAD"
	CodeDuplicateDocument  = "DUPLICATE_DOCUMENT"
	CodeBudgetExceeded     = "BUDGET_EXCEEDED"
	CodeInsufficientPages  = "NO_PAGES"
	CodeTooManyPages       = "TOO_MANY_PAGES"
	CodeInsufficientText   = "NO_TEXT_LAYER"
	CodeUnreadableDocument = "UNREADABLE_PDF"
)

// BudgetExceededError is returned when a reservation does not fit in the
// remaining daily budget. It carries the ledger snapshot taken under lock.
type BudgetExceededError struct {
	Used      int64
	Reserved  int64
	Limit     int64
	Requested int64
	ResetsAt  time.Time
}

// Remaining is the budget left before the rejected request.
func (e *BudgetExceededError) Remaining() int64 {
	return max(0, e.Limit-e.Used-e.Reserved)
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("daily token limit reached: requested %d, used %d, reserved %d, limit %d",
		e.Requested, e.Used, e.Reserved, e.Limit)
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// ValidationError is a malformed request, rejected before any work starts.
type ValidationError struct {
	Code    string
	Message string
}

// Validation builds a ValidationError.
func Validation(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ExtractionError is a permanent failure to turn a PDF into page text.
type ExtractionError struct {
	Code   string
	Reason string
	Err    error
}

// Extraction builds an ExtractionError.
func Extraction(code, reason string, cause error) *ExtractionError {
	return &ExtractionError{Code: code, Reason: reason, Err: cause}
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

// Is lets errors.Is match both ErrExtraction and the wrapped cause.
func (e *ExtractionError) Is(target error) bool { return target == ErrExtraction }

func (e *ExtractionError) Unwrap() error { return e.Err }

// ConsistencyError reports a stage invoked on an entity in an unexpected state.
type ConsistencyError struct {
	Entity   string
	ID       string
	Expected string
	Actual   string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s %s is %q, expected %q", e.Entity, e.ID, e.Actual, e.Expected)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }

// NotFound wraps ErrNotFound with the missing entity.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// Transient marks err as retryable regardless of its concrete type.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Is(target error) bool { return target == ErrTransient }

func (e *transientError) Unwrap() error { return e.err }

// Code returns the user-facing code carried by err, or "" when there is none.
func Code(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if errors.Is(err, ErrBudgetExceeded) {
		return CodeBudgetExceeded
	}
	return ""
}
