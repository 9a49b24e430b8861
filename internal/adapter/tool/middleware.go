package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"discovery-agent/internal/domain"
	"discovery-agent/internal/infra/tracer"
)

// Bind adapts a typed handler into a domain.ToolHandler: parse params ->
// start trace -> run handler -> record outcome.
//
// Params that do not decode into P fail with an error wrapping both
// domain.ErrInvalidInput and domain.ErrNonRetryable, so the retry layer
// never repeats them.
func Bind[P any](
	name string,
	logger *slog.Logger,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) domain.ToolHandler {
	spanName := "tool." + name
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		ctx, span := tracer.StartSpan(ctx, spanName,
			trace.WithAttributes(tracer.StringAttr("tool.name", name)),
		)
		defer span.End()

		p, err := ParseParams[P](raw)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}

		result, err := handler(ctx, span, p)
		if err != nil {
			tracer.RecordError(span, err)
			logger.Warn(spanName+" failed", "error", err, "retryable", classifyToolError(err))
			return nil, err
		}

		tracer.SetOK(span)
		return result, nil
	}
}

// ParseParams unmarshals raw into P. Empty input decodes as an empty object.
func ParseParams[P any](raw json.RawMessage) (P, error) {
	var p P
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, InvalidParams("invalid params: %v", err)
	}
	return p, nil
}

// InvalidParams builds a permanent invalid-input error for handlers.
func InvalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s (%w)", domain.ErrInvalidInput, fmt.Sprintf(format, args...), domain.ErrNonRetryable)
}
