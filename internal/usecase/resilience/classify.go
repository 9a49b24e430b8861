package resilience

import (
	"errors"
	"strings"

	"discovery-agent/internal/domain"
)

// DefaultRetryableErrors lists the category codes and message fragments that
// are retried when a policy does not name its own.
var DefaultRetryableErrors = []string{
	string(domain.CodeRateLimit),
	string(domain.CodeNetwork),
	string(domain.CodeTimeout),
	string(domain.CodeRetryable),
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"try again",
}

// classifier decides retry eligibility from a list of codes and patterns.
type classifier struct {
	codes    map[domain.ErrorCode]struct{}
	patterns []string
}

func newClassifier(entries []string) classifier {
	if len(entries) == 0 {
		entries = DefaultRetryableErrors
	}
	c := classifier{codes: make(map[domain.ErrorCode]struct{}, len(entries))}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		c.codes[domain.ErrorCode(strings.ToUpper(e))] = struct{}{}
		c.patterns = append(c.patterns, strings.ToLower(e))
	}
	return c
}

// retryable returns true when err matches a configured code or pattern.
// Errors wrapping domain.ErrNonRetryable are never retried.
func (c classifier) retryable(err error) bool {
	if err == nil || errors.Is(err, domain.ErrNonRetryable) {
		return false
	}
	if errors.Is(err, domain.ErrCircuitOpen) {
		return false
	}

	if _, ok := c.codes[domain.CategoryOf(err)]; ok {
		return true
	}
	if _, ok := c.codes[domain.ErrorCodeOf(err)]; ok {
		return true
	}

	lower := strings.ToLower(err.Error())
	for _, p := range c.patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
