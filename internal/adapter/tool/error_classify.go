package tool

import (
	"errors"
	"strings"

	"discovery-agent/internal/domain"
)

// retryableSentinels lists domain errors that indicate transient failures
// worth retrying.
var retryableSentinels = []error{
	domain.ErrTimeout,
	domain.ErrRateLimit,
	domain.ErrNetwork,
	domain.ErrRetryable,
	domain.ErrProviderError,
}

// retryablePatterns are substrings in error messages that indicate transient failures.
// Checked case-insensitively.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"too many requests",
	"try again",
}

// classifyToolError returns true if the error is transient and the tool call
// may succeed on retry. Returns false for nil, permanent, or unknown errors.
func classifyToolError(err error) bool {
	if err == nil || errors.Is(err, domain.ErrNonRetryable) {
		return false
	}

	for _, sentinel := range retryableSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	// String-based fallback for errors without sentinel wrapping.
	lower := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}

	return false
}
