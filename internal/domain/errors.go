package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Wrap these with NewDomainError so callers can match
// with errors.Is while logs keep the operation context.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrDisabled     = fmt.Errorf("disabled")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Engine sentinels.
var (
	ErrAgentNotFound      = fmt.Errorf("agent type not registered")
	ErrModelNotFound      = fmt.Errorf("model not found")
	ErrNoCapableModel     = fmt.Errorf("no model satisfies requested capabilities")
	ErrRateLimit          = fmt.Errorf("rate limit exceeded")
	ErrBreakerOpen        = fmt.Errorf("circuit breaker open")
	ErrProviderError      = fmt.Errorf("model provider error")
	ErrAllModelsFailed    = fmt.Errorf("all models and retries exhausted")
	ErrFallbackFailed     = fmt.Errorf("emergency fallback failed")
	ErrSessionNotFound    = fmt.Errorf("stream session not found")
	ErrStreamClosed       = fmt.Errorf("stream session already completed")
	ErrJobNotFound        = fmt.Errorf("queue job not found")
	ErrWorkflowCycle      = fmt.Errorf("workflow contains a dependency cycle")
	ErrUnknownDep         = fmt.Errorf("workflow step depends on unknown step")
	ErrWorkflowStepFailed = fmt.Errorf("workflow step failed")
	ErrEngineDestroyed    = fmt.Errorf("engine has been destroyed")
	ErrPoolDraining       = fmt.Errorf("instance pool is draining")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Cache.Stats")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error.
// Returns nil if err is nil, enabling: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsConfigError reports whether err is a configuration error: fatal
// immediately, never retried and never counted against a breaker.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrDisabled) ||
		errors.Is(err, ErrWorkflowCycle) ||
		errors.Is(err, ErrUnknownDep) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEngineDestroyed)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeDuplicate          ErrorCode = "DUPLICATE"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeDisabled           ErrorCode = "DISABLED"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	CodeModelNotFound      ErrorCode = "MODEL_NOT_FOUND"
	CodeNoCapableModel     ErrorCode = "NO_CAPABLE_MODEL"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeBreakerOpen        ErrorCode = "BREAKER_OPEN"
	CodeProviderError      ErrorCode = "PROVIDER_ERROR"
	CodeAllModelsFailed    ErrorCode = "ALL_MODELS_FAILED"
	CodeFallbackFailed     ErrorCode = "FALLBACK_FAILED"
	CodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	CodeStreamClosed       ErrorCode = "STREAM_CLOSED"
	CodeJobNotFound        ErrorCode = "JOB_NOT_FOUND"
	CodeWorkflowCycle      ErrorCode = "WORKFLOW_CYCLE"
	CodeUnknownDep         ErrorCode = "WORKFLOW_UNKNOWN_DEP"
	CodeWorkflowStepFailed ErrorCode = "WORKFLOW_STEP_FAILED"
	CodeEngineDestroyed    ErrorCode = "ENGINE_DESTROYED"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:           CodeNotFound,
	ErrDuplicate:          CodeDuplicate,
	ErrTimeout:            CodeTimeout,
	ErrDisabled:           CodeDisabled,
	ErrInvalidInput:       CodeInvalidInput,
	ErrAgentNotFound:      CodeAgentNotFound,
	ErrModelNotFound:      CodeModelNotFound,
	ErrNoCapableModel:     CodeNoCapableModel,
	ErrRateLimit:          CodeRateLimit,
	ErrBreakerOpen:        CodeBreakerOpen,
	ErrProviderError:      CodeProviderError,
	ErrAllModelsFailed:    CodeAllModelsFailed,
	ErrFallbackFailed:     CodeFallbackFailed,
	ErrSessionNotFound:    CodeSessionNotFound,
	ErrStreamClosed:       CodeStreamClosed,
	ErrJobNotFound:        CodeJobNotFound,
	ErrWorkflowCycle:      CodeWorkflowCycle,
	ErrUnknownDep:         CodeUnknownDep,
	ErrWorkflowStepFailed: CodeWorkflowStepFailed,
	ErrEngineDestroyed:    CodeEngineDestroyed,
}

// ErrorCodeOf maps an error to its machine-parseable code.
// Unknown errors map to CodeUnknown.
func ErrorCodeOf(err error) ErrorCode {
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
