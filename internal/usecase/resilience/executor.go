package resilience

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"discovery-agent/internal/infra/tracer"
)

// Executor composes a CircuitBreaker around a Retrier. A tripped breaker
// prevents even the first attempt; the retry loop counts as one breaker call.
type Executor struct {
	name    string
	retrier *Retrier
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// NewExecutor creates an Executor for the named dependency.
func NewExecutor(name string, policy RetryPolicy, cfg BreakerConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		name:    name,
		retrier: NewRetrier(policy, logger.With("executor", name)),
		breaker: NewCircuitBreaker(name, cfg, logger),
		logger:  logger,
	}
}

// Execute runs fn through the breaker and the retry policy.
func (e *Executor) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := tracer.StartSpan(ctx, "resilience.execute",
		trace.WithAttributes(tracer.StringAttr("executor.name", e.name)),
	)
	defer span.End()

	attempts := 0
	err := e.breaker.Execute(func() error {
		n, err := e.retrier.Do(ctx, fn)
		attempts = n
		return err
	})
	span.SetAttributes(tracer.IntAttr("executor.attempts", attempts))
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// Breaker exposes the underlying breaker for monitoring.
func (e *Executor) Breaker() *CircuitBreaker { return e.breaker }

// Retrier exposes the underlying retrier.
func (e *Executor) Retrier() *Retrier { return e.retrier }

// Run executes fn through ex and returns its value.
func Run[T any](ctx context.Context, ex *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := ex.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
