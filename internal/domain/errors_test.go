package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Execute", ErrToolNotRegistered, "tool 'foo'")
	want := "Registry.Execute: tool 'foo': tool not registered"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Engine.Execute", ErrMaxIterations, "")
	want := "Engine.Execute: agent reached max iterations"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Manager.Resume", ErrCheckpointNotFound, "cp-1")
	if !errors.Is(err, ErrCheckpointNotFound) {
		t.Error("errors.Is should match ErrCheckpointNotFound")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("LLM.Chat", ErrProviderNotFound, "groq")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "LLM.Chat" {
		t.Errorf("Op = %q, want %q", de.Op, "LLM.Chat")
	}
}

func TestWrapOp(t *testing.T) {
	assert.Nil(t, WrapOp("op", nil))
	err := WrapOp("Store.Save", ErrStoreUnavailable)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, "Store.Save: checkpoint store unavailable", err.Error())
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{
		Target: "search",
		Fields: []FieldError{
			{Field: "query", Reason: "is required"},
			{Reason: "unexpected property"},
		},
	}
	assert.Equal(t, "search: validation failed: query: is required; unexpected property", err.Error())
	assert.ErrorIs(t, err, ErrValidation)

	empty := &ValidationError{Target: "plan"}
	assert.Equal(t, "plan: validation failed", empty.Error())
}

func TestToolExecutionError_PreservesCause(t *testing.T) {
	cause := fmt.Errorf("upstream: %w", ErrRateLimit)
	err := &ToolExecutionError{Tool: "search", CallID: "c1", Err: cause}

	assert.ErrorIs(t, err, ErrToolFailure)
	assert.ErrorIs(t, err, ErrRateLimit)
	assert.True(t, IsRetryableError(err))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(err))
	assert.Contains(t, err.Error(), `tool "search" (call c1)`)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", ErrRateLimit, true},
		{"network", fmt.Errorf("dial: %w", ErrNetwork), true},
		{"timeout", ErrTimeout, true},
		{"generic retryable", ErrRetryable, true},
		{"validation", ErrValidation, false},
		{"plain", errors.New("boom"), false},
		{"non retryable wins", errors.Join(ErrNonRetryable, ErrTimeout), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeToolNotRegistered, ErrorCodeOf(ErrToolNotRegistered))
	assert.Equal(t, CodeCheckpointNotFound, ErrorCodeOf(ErrCheckpointNotFound))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeCircuitOpen, ErrorCodeOf(ErrCircuitOpen))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Registry.Execute", ErrToolNotRegistered, "tool 'foo'")
	assert.Equal(t, CodeToolNotRegistered, ErrorCodeOf(err))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewDomainError("Breaker.Execute", ErrCircuitOpen, ""))
	assert.Equal(t, CodeCircuitOpen, ErrorCodeOf(err))
}

func TestErrorCodeOf_Unknown(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(errors.New("mystery")))
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	tests := []struct {
		subsystem string
		err       error
		want      ErrorCode
	}{
		{"llm", ErrTimeout, CodeLLMTimeout},
		{"tool", ErrTimeout, CodeToolTimeout},
		{"tool", ErrInvalidInput, CodeToolInvalidParams},
		{"plan", ErrInvalidInput, CodePlanInvalid},
		{"checkpoint", ErrNotFound, CodeCheckpointNotFound},
		{"unknown", ErrTimeout, CodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.subsystem+"/"+string(tt.want), func(t *testing.T) {
			err := NewSubSystemError(tt.subsystem, "op", tt.err, "")
			assert.Equal(t, tt.want, ErrorCodeOf(err))
		})
	}
}

func TestCategoryOf_IgnoresSubSystem(t *testing.T) {
	err := NewSubSystemError("llm", "Backend.Generate", ErrTimeout, "deadline")
	require.Equal(t, CodeLLMTimeout, ErrorCodeOf(err))
	assert.Equal(t, CodeTimeout, CategoryOf(err))
	assert.Equal(t, CodeUnknown, CategoryOf(nil))
	assert.Equal(t, CodeNonRetryable, CategoryOf(errors.Join(ErrNonRetryable, ErrNetwork)))
}

func TestNewID_Sortable(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}

func TestCheckpointExpired(t *testing.T) {
	cp := Checkpoint{ExpiresAt: mustTime(t, "2026-01-01T00:00:00Z")}
	assert.False(t, cp.Expired(mustTime(t, "2025-12-31T23:59:59Z")))
	assert.True(t, cp.Expired(mustTime(t, "2026-01-01T00:00:01Z")))
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}
