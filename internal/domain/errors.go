package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Category sentinels. Transient categories are eligible for backoff retry.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrNetwork      = fmt.Errorf("network error")
	ErrRetryable    = fmt.Errorf("retryable error")
	ErrNonRetryable = fmt.Errorf("non-retryable error")
)

// Sentinel errors for the orchestration core.
var (
	ErrValidation         = fmt.Errorf("validation failed")
	ErrToolNotRegistered  = fmt.Errorf("tool not registered")
	ErrToolFailure        = fmt.Errorf("tool execution failed")
	ErrCircuitOpen        = fmt.Errorf("circuit open")
	ErrCheckpointNotFound = fmt.Errorf("checkpoint not found or expired")
	ErrMaxIterations      = fmt.Errorf("agent reached max iterations")
	ErrProviderNotFound   = fmt.Errorf("llm provider not found")
	ErrProviderError      = fmt.Errorf("provider error")
	ErrAuthInvalid        = fmt.Errorf("authentication failed")
	ErrContextOverflow    = fmt.Errorf("context window exceeded")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrDecryption         = fmt.Errorf("decryption failed")
	ErrEncryption         = fmt.Errorf("encryption operation failed")
	ErrStoreUnavailable   = fmt.Errorf("checkpoint store unavailable")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.Execute")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "checkpoint", "llm"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ValidationError reports a shape mismatch in tool params or structured model output.
// It is always locally recoverable.
type ValidationError struct {
	Target string // tool name or artifact kind ("plan", "analysis", "response")
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Target, ErrValidation)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Field == "" {
			parts = append(parts, f.Reason)
			continue
		}
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Target, ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ToolExecutionError wraps a handler failure. errors.Is on the wrapped cause
// still resolves, so the retry classification of the cause is preserved.
type ToolExecutionError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q (call %s): %v", e.Tool, e.CallID, e.Err)
}

func (e *ToolExecutionError) Unwrap() []error { return []error{ErrToolFailure, e.Err} }

// IsRetryableError reports whether err belongs to a transient category.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, ErrNonRetryable) {
		return false
	}
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRetryable)
}

// ErrorCode is a machine-parseable error category for monitoring and retry matching.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeNetwork            ErrorCode = "NETWORK"
	CodeRetryable          ErrorCode = "RETRYABLE"
	CodeNonRetryable       ErrorCode = "NON_RETRYABLE"
	CodeValidation         ErrorCode = "VALIDATION"
	CodeToolNotRegistered  ErrorCode = "TOOL_NOT_REGISTERED"
	CodeToolFailure        ErrorCode = "TOOL_FAILURE"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeCheckpointNotFound ErrorCode = "CHECKPOINT_NOT_FOUND"
	CodeMaxIterations      ErrorCode = "MAX_ITERATIONS"
	CodeProviderNotFound   ErrorCode = "PROVIDER_NOT_FOUND"
	CodeProviderError      ErrorCode = "PROVIDER_ERROR"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeLLMTimeout        ErrorCode = "LLM_TIMEOUT"
	CodeToolTimeout       ErrorCode = "TOOL_TIMEOUT"
	CodeToolInvalidParams ErrorCode = "TOOL_INVALID_PARAMS"
	CodePlanInvalid       ErrorCode = "PLAN_INVALID"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:           CodeNotFound,
	ErrInvalidInput:       CodeInvalidInput,
	ErrTimeout:            CodeTimeout,
	ErrRateLimit:          CodeRateLimit,
	ErrNetwork:            CodeNetwork,
	ErrRetryable:          CodeRetryable,
	ErrNonRetryable:       CodeNonRetryable,
	ErrValidation:         CodeValidation,
	ErrToolNotRegistered:  CodeToolNotRegistered,
	ErrToolFailure:        CodeToolFailure,
	ErrCircuitOpen:        CodeCircuitOpen,
	ErrCheckpointNotFound: CodeCheckpointNotFound,
	ErrMaxIterations:      CodeMaxIterations,
	ErrProviderNotFound:   CodeProviderNotFound,
	ErrProviderError:      CodeProviderError,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrContextOverflow:    CodeContextOverflow,
	ErrConfigLoad:         CodeConfigLoad,
	ErrEncryption:         CodeEncryption,
	ErrDecryption:         CodeDecryption,
	ErrStoreUnavailable:   CodeStoreUnavailable,
}

// codePriority fixes the order in which wrapped sentinels are matched, so an
// error carrying both a category and ErrToolFailure resolves to the category.
var codePriority = []error{
	ErrNonRetryable,
	ErrRateLimit,
	ErrNetwork,
	ErrTimeout,
	ErrRetryable,
	ErrCircuitOpen,
	ErrContextOverflow,
	ErrAuthInvalid,
	ErrValidation,
	ErrToolNotRegistered,
	ErrCheckpointNotFound,
	ErrMaxIterations,
	ErrProviderNotFound,
	ErrProviderError,
	ErrConfigLoad,
	ErrEncryption,
	ErrDecryption,
	ErrStoreUnavailable,
	ErrNotFound,
	ErrInvalidInput,
	ErrToolFailure,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"llm":  CodeLLMTimeout,
		"tool": CodeToolTimeout,
	},
	ErrInvalidInput: {
		"tool": CodeToolInvalidParams,
		"plan": CodePlanInvalid,
	},
	ErrNotFound: {
		"checkpoint": CodeCheckpointNotFound,
		"tool":       CodeToolNotRegistered,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}

// CategoryOf returns the category-level code of err, ignoring subsystem
// specialisation. Retry policies match against these codes.
func CategoryOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}
