package errs

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sashabaranov/go-openai"

	"github.com/Aryan1718/enterprise-rag-platform/pkg/retry"
)

// Class is the outcome of classifying an error.
type Class int

const (
	// ClassPermanent errors are not retried and fail the operation.
	ClassPermanent Class = iota
	// ClassTransient errors are retried with backoff.
	ClassTransient
	// ClassValidation errors are rejected synchronously and never persisted.
	ClassValidation
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	default:
		return "permanent"
	}
}

// Classify decides how a caller should react to err.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	switch {
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrTransient):
		return ClassTransient
	case errors.Is(err, ErrBudgetExceeded),
		errors.Is(err, ErrExtraction),
		errors.Is(err, ErrConsistency),
		errors.Is(err, ErrNotFound),
		errors.Is(err, context.Canceled):
		return ClassPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}

	var oaiAPI *openai.APIError
	if errors.As(err, &oaiAPI) {
		return classifyStatus(oaiAPI.HTTPStatusCode)
	}
	var oaiReq *openai.RequestError
	if errors.As(err, &oaiReq) {
		return classifyStatus(oaiReq.HTTPStatusCode)
	}

	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		return classifyStatus(anthErr.StatusCode)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgres(pqErr)
	}

	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "SlowDown", "SlowDownRead", "SlowDownWrite", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return ClassTransient
		case "NoSuchKey", "NoSuchBucket", "AccessDenied":
			return ClassPermanent
		}
		if resp.StatusCode != 0 {
			return classifyStatus(resp.StatusCode)
		}
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if amqpErr.Recover {
			return ClassTransient
		}
		return ClassPermanent
	}

	switch {
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, amqp.ErrClosed),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassPermanent
}

// IsTransient is shorthand for Classify(err) == ClassTransient.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout,
		code == 529, // anthropic overloaded
		code >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

func classifyPostgres(err *pq.Error) Class {
	code := string(err.Code)
	switch {
	case code == "40001", code == "40P01", code == "55P03", code == "57P01":
		return ClassTransient
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"):
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// RetryPolicy is the shared policy for calls to external collaborators:
// three attempts with exponential backoff, retrying only transient errors.
func RetryPolicy(name string, logger *slog.Logger) retry.Policy {
	p := retry.DefaultPolicy()
	p.Name = name
	p.Logger = logger
	p.Retryable = IsTransient
	return p
}
