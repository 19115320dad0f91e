package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/sashabaranov/go-openai"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"validation", Validation(CodeInvalidQuestion, "too long"), ClassValidation},
		{"wrapped validation", fmt.Errorf("query: %w", Validation(CodeTooManyDocuments, "x")), ClassValidation},
		{"budget", &BudgetExceededError{Limit: 10}, ClassPermanent},
		{"extraction", Extraction(CodeUnreadableDocument, "bad pdf", errors.New("xref")), ClassPermanent},
		{"consistency", &ConsistencyError{Entity: "document"}, ClassPermanent},
		{"explicit transient", Transient(errors.New("flaky")), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"canceled", context.Canceled, ClassPermanent},
		{"openai rate limit", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, ClassTransient},
		{"openai server", &openai.RequestError{HTTPStatusCode: http.StatusBadGateway}, ClassTransient},
		{"openai auth", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized}, ClassPermanent},
		{"postgres deadlock", &pq.Error{Code: "40P01"}, ClassTransient},
		{"postgres connection", &pq.Error{Code: "08006"}, ClassTransient},
		{"postgres unique", &pq.Error{Code: "23505"}, ClassPermanent},
		{"minio slowdown", minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}, ClassTransient},
		{"minio missing key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, ClassPermanent},
		{"plain", errors.New("something"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBudgetExceededError(t *testing.T) {
	err := error(&BudgetExceededError{
		Used:      600,
		Reserved:  300,
		Limit:     1000,
		Requested: 500,
		ResetsAt:  time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC),
	})

	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatal("expected errors.Is(ErrBudgetExceeded)")
	}
	var be *BudgetExceededError
	if !errors.As(fmt.Errorf("wrapped: %w", err), &be) {
		t.Fatal("expected errors.As to find BudgetExceededError")
	}
	if be.Remaining() != 100 {
		t.Errorf("expected remaining 100, got %d", be.Remaining())
	}
	if Code(err) != CodeBudgetExceeded {
		t.Errorf("expected code %s, got %s", CodeBudgetExceeded, Code(err))
	}
}

func TestExtractionErrorMatchesCause(t *testing.T) {
	cause := errors.New("xref table broken")
	err := Extraction(CodeUnreadableDocument, "cannot open pdf", cause)

	if !errors.Is(err, ErrExtraction) {
		t.Error("expected ErrExtraction")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
	if Code(err) != CodeUnreadableDocument {
		t.Errorf("expected code %s, got %s", CodeUnreadableDocument, Code(err))
	}
}
