package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode categorizes a provider failure for retry decisions and for the
// terminal error chunk surfaced to clients.
type ErrorCode string

const (
	CodeInvalidAPIKey   ErrorCode = "invalid_api_key"
	CodeRateLimited     ErrorCode = "rate_limited"
	CodeQuotaExceeded   ErrorCode = "quota_exceeded"
	CodeContentFiltered ErrorCode = "content_filtered"
	CodeModelNotFound   ErrorCode = "model_not_found"
	CodeInvalidRequest  ErrorCode = "invalid_request"
	CodeTimeout         ErrorCode = "timeout"
	CodeNetwork         ErrorCode = "network"
	CodeServerError     ErrorCode = "server_error"
	CodeUnknown         ErrorCode = "unknown"
)

// Retryable reports whether a short-backoff retry may succeed.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeTimeout, CodeNetwork, CodeServerError:
		return true
	default:
		return false
	}
}

// Error is a structured provider failure.
type Error struct {
	Code     ErrorCode
	Provider string
	Model    string
	Status   int
	Message  string
	// RetryAfter is the provider-suggested wait for rate limits, if any.
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Code)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether this error's code is retryable.
func (e *Error) Retryable() bool { return e.Code.Retryable() }

// WrapError builds an Error from an arbitrary failure, classifying it by
// status code where available and by message patterns otherwise. If err is
// already a *Error it is returned unchanged.
func WrapError(provider, model string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{
		Code:     Classify(err),
		Provider: provider,
		Model:    model,
		Message:  err.Error(),
		Cause:    err,
	}
}

// WithStatus sets the HTTP status and reclassifies from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if code := classifyStatus(status); code != CodeUnknown {
		e.Code = code
	}
	return e
}

// Classify maps an arbitrary error to an ErrorCode using context sentinels
// and message patterns. Status-code classification, when a status is known,
// takes precedence via WithStatus.
func Classify(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return CodeTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return CodeRateLimited
	case strings.Contains(msg, "invalid api key") || strings.Contains(msg, "invalid_api_key") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication"):
		return CodeInvalidAPIKey
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing") ||
		strings.Contains(msg, "insufficient credit"):
		return CodeQuotaExceeded
	case strings.Contains(msg, "content filter") || strings.Contains(msg, "content_filter") ||
		strings.Contains(msg, "blocked by safety"):
		return CodeContentFiltered
	case strings.Contains(msg, "model not found") || strings.Contains(msg, "model_not_found") ||
		strings.Contains(msg, "unknown model"):
		return CodeModelNotFound
	case strings.Contains(msg, "invalid request") || strings.Contains(msg, "invalid_request") ||
		strings.Contains(msg, "400"):
		return CodeInvalidRequest
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof"):
		return CodeNetwork
	case strings.Contains(msg, "internal server") || strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") || strings.Contains(msg, "overloaded"):
		return CodeServerError
	default:
		return CodeUnknown
	}
}

func classifyStatus(status int) ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeInvalidAPIKey
	case status == http.StatusPaymentRequired:
		return CodeQuotaExceeded
	case status == http.StatusNotFound:
		return CodeModelNotFound
	case status == http.StatusRequestTimeout:
		return CodeTimeout
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusBadRequest:
		return CodeInvalidRequest
	case status >= 500:
		return CodeServerError
	default:
		return CodeUnknown
	}
}
