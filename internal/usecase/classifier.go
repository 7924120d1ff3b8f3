package usecase

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"forge-ai/internal/domain"
)

// ErrorCategory indicates whether a provider error is worth retrying.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryRetryable               // 429, 5xx, connection errors, timeouts
	ErrorCategoryPermanent               // 400/401/403, malformed input, unsupported capability
)

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	StatusCode int // extracted HTTP status, or 0 if unknown
}

// Retryable reports whether the retry loop should try again. Unknown
// errors are treated as retryable: the invocation capability may fail in
// ways the engine cannot name, and those are transient by default.
func (c ClassifiedError) Retryable() bool {
	return c.Category != ErrorCategoryPermanent
}

// Classifier analyzes model-invocation errors and categorizes them.
type Classifier struct{}

// NewClassifier creates a classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// apiErrorPattern matches "API error <status_code>:" emitted by provider clients.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// Classify inspects an error from a model invocation.
func (c *Classifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	// Sentinels first.
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent}
	case errors.Is(err, domain.ErrRateLimit):
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller abandoned the request; retrying only burns budget.
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent}
	}

	errStr := err.Error()
	if matches := apiErrorPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		return c.classifyByStatus(err, code)
	}
	return c.classifyByString(err, errStr)
}

func (c *Classifier) classifyByStatus(err error, code int) ClassifiedError {
	switch {
	case code == 429:
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, StatusCode: code}
	case code == 400 || code == 401 || code == 403 || code == 404 || code == 422:
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, StatusCode: code}
	case code >= 500 && code < 600:
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, StatusCode: code}
	default:
		return ClassifiedError{Original: err, Category: ErrorCategoryUnknown, StatusCode: code}
	}
}

func (c *Classifier) classifyByString(err error, errStr string) ClassifiedError {
	lower := strings.ToLower(errStr)

	for _, p := range []string{
		"rate limit", "too many requests",
		"connection refused", "connection reset", "no such host",
		"timeout", "deadline exceeded", "temporarily unavailable",
		"overloaded",
	} {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable}
		}
	}

	for _, p := range []string{
		"invalid api key", "unauthorized", "forbidden",
		"malformed", "unsupported", "invalid request",
	} {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: ErrorCategoryPermanent}
		}
	}

	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}
