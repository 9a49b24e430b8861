package resilience

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Default retry settings.
const (
	defaultMaxRetries        = 3
	defaultInitialDelay      = time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultBackoffMultiplier = 2.0

	// jitterFraction bounds the random delay added on top of the backoff.
	jitterFraction = 0.2
)

// RetryPolicy configures bounded exponential-backoff retry.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// RetryableErrors holds category codes (e.g. "RATE_LIMIT") or
	// case-insensitive message fragments.
	RetryableErrors []string
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        defaultMaxRetries,
		InitialDelay:      defaultInitialDelay,
		MaxDelay:          defaultMaxDelay,
		BackoffMultiplier: defaultBackoffMultiplier,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// Retrier runs an operation under a RetryPolicy.
type Retrier struct {
	policy     RetryPolicy
	classifier classifier
	logger     *slog.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a Retrier. Zero fields of policy fall back to defaults;
// a negative MaxRetries disables retry.
func NewRetrier(policy RetryPolicy, logger *slog.Logger) *Retrier {
	if policy.MaxRetries == 0 {
		policy.MaxRetries = defaultMaxRetries
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = defaultInitialDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaultMaxDelay
	}
	if policy.BackoffMultiplier < 1 {
		policy.BackoffMultiplier = defaultBackoffMultiplier
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{
		policy:     policy,
		classifier: newClassifier(policy.RetryableErrors),
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// Policy returns the effective policy.
func (r *Retrier) Policy() RetryPolicy { return r.policy }

// Retryable reports whether err would be retried by this policy.
func (r *Retrier) Retryable(err error) bool { return r.classifier.retryable(err) }

// Do calls fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. It returns the number of attempts made and the last error.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt, lastErr
			}
			return attempt, err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !r.classifier.retryable(lastErr) || attempt == r.policy.MaxRetries {
			return attempt + 1, lastErr
		}

		delay := r.Delay(attempt)
		r.logger.Info("retrying after error",
			"attempt", attempt+1, "delay", delay, "error", lastErr)
		if err := r.sleep(ctx, delay); err != nil {
			return attempt + 1, lastErr
		}
	}
	return r.policy.MaxRetries + 1, lastErr
}

// Delay returns the wait before retry n (0-indexed), including jitter.
func (r *Retrier) Delay(n int) time.Duration {
	base := r.baseDelay(n)
	// Add 0-20% jitter.
	jitter := time.Duration(rand.Int63n(int64(float64(base)*jitterFraction) + 1))
	return base + jitter
}

func (r *Retrier) baseDelay(n int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.BackoffMultiplier, float64(n))
	if d > float64(r.policy.MaxDelay) || math.IsInf(d, 0) {
		return r.policy.MaxDelay
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
