package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"discovery-agent/internal/domain"
)

var _ domain.LLMProvider = (*FailoverProvider)(nil)

// FailoverProvider wraps a primary LLM provider with fallback providers.
// If the primary fails, it tries each fallback in order until the caller's
// context is done.
type FailoverProvider struct {
	primary   domain.LLMProvider
	fallbacks []domain.LLMProvider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover-capable provider.
func NewFailoverProvider(primary domain.LLMProvider, fallbacks []domain.LLMProvider, logger *slog.Logger) *FailoverProvider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FailoverProvider{
		primary:   primary,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

// Chat tries the primary provider first, then each fallback on failure.
// The joined error keeps every provider's failure reachable via errors.Is.
func (f *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := f.primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	errs := []error{fmt.Errorf("%s: %w", f.primary.Name(), err)}
	failed := f.primary.Name()

	for _, fb := range f.fallbacks {
		if ctx.Err() != nil {
			break
		}
		f.logger.WarnContext(ctx, "llm provider failed, trying fallback",
			"failed", failed, "fallback", fb.Name(), "error", err)

		resp, err = fb.Chat(ctx, req)
		if err == nil {
			f.logger.InfoContext(ctx, "failover succeeded", "provider", fb.Name())
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", fb.Name(), err))
		failed = fb.Name()
	}

	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// Name returns a composite name.
func (f *FailoverProvider) Name() string {
	return f.primary.Name() + "+failover"
}
