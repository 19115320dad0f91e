// Package handlers translates HTTP requests into document, query and usage
// operations and maps their errors to status codes.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
)

// APIError represents a structured API error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Common API error codes. Validation failures use their own codes.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeBudgetExceeded     = errs.CodeBudgetExceeded
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// BudgetDetails is the ledger snapshot returned with BUDGET_EXCEEDED.
type BudgetDetails struct {
	Used      int64     `json:"used"`
	Reserved  int64     `json:"reserved"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	Requested int64     `json:"requested"`
	ResetsAt  time.Time `json:"resets_at"`
}

// PaginatedResponse represents a paginated response.
type PaginatedResponse struct {
	Data       any        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Pagination contains pagination metadata.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// RespondJSON sends a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		// Headers are already sent; an encode failure can only be dropped.
		_ = json.NewEncoder(w).Encode(data)
	}
}

// RespondError sends a JSON error response.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	RespondErrorWithDetails(w, status, code, message, nil)
}

// RespondErrorWithDetails sends a JSON error response with details.
func RespondErrorWithDetails(w http.ResponseWriter, status int, code, message string, details any) {
	RespondJSON(w, status, ErrorResponse{
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// RespondCreated sends a 201 Created response.
func RespondCreated(w http.ResponseWriter, data any) {
	RespondJSON(w, http.StatusCreated, data)
}

// RespondNoContent sends a 204 No Content response.
func RespondNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// RespondBadRequest sends a 400 Bad Request response.
func RespondBadRequest(w http.ResponseWriter, message string) {
	RespondError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// RespondUnauthorized sends a 401 Unauthorized response.
func RespondUnauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Authentication required"
	}
	RespondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// RespondServiceError maps a service error onto a status code. Internal
// details of unexpected errors are logged, never returned.
func RespondServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, apiErr := serviceError(logger, err)
	RespondJSON(w, status, ErrorResponse{Error: apiErr})
}

func serviceError(logger *slog.Logger, err error) (int, *APIError) {
	var (
		ve *errs.ValidationError
		be *errs.BudgetExceededError
		ce *errs.ConsistencyError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, &APIError{Code: ve.Code, Message: ve.Message}
	case errors.As(err, &be):
		return http.StatusPaymentRequired, &APIError{
			Code:    ErrCodeBudgetExceeded,
			Message: "daily token budget exceeded",
			Details: BudgetDetails{
				Used:      be.Used,
				Reserved:  be.Reserved,
				Limit:     be.Limit,
				Remaining: be.Remaining(),
				Requested: be.Requested,
				ResetsAt:  be.ResetsAt,
			},
		}
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, &APIError{Code: ErrCodeNotFound, Message: err.Error()}
	case errors.As(err, &ce):
		return http.StatusConflict, &APIError{Code: ErrCodeConflict, Message: ce.Error()}
	case errors.Is(err, errs.ErrTransient):
		logger.Warn("service temporarily unavailable", "error", err)
		return http.StatusServiceUnavailable, &APIError{Code: ErrCodeServiceUnavailable, Message: "Service temporarily unavailable, try again"}
	default:
		logger.Error("request failed", "error", err)
		return http.StatusInternalServerError, &APIError{Code: ErrCodeInternalError, Message: "An internal error occurred"}
	}
}
