package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"discovery-agent/internal/domain"
)

var _ domain.ModelBackend = (*Backend)(nil)

const (
	structuredSystemPrompt = "You are a precise research assistant. Reply with a single JSON object and nothing else."
	toolsSystemPrompt      = "You are a research planning assistant. Call the provided functions to gather evidence, or reply with a JSON plan."
)

// Backend adapts a chat-style LLMProvider to the generation interface the
// reasoning engine consumes.
type Backend struct {
	provider domain.LLMProvider
	logger   *slog.Logger
	now      func() time.Time
}

// NewBackend wraps provider.
func NewBackend(provider domain.LLMProvider, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{provider: provider, logger: logger, now: time.Now}
}

// Provider returns the wrapped provider.
func (b *Backend) Provider() domain.LLMProvider { return b.provider }

// GenerateStructured asks for a JSON reply and returns the raw text. Parsing
// and validation are left to the caller.
func (b *Backend) GenerateStructured(ctx context.Context, prompt string) (string, error) {
	resp, err := b.provider.Chat(ctx, domain.ChatRequest{
		Messages: b.messages(structuredSystemPrompt, prompt),
		JSONMode: true,
	})
	if err != nil {
		return "", b.wrap("GenerateStructured", err)
	}
	content := strings.TrimSpace(resp.Message.Content)
	if content == "" {
		return "", domain.NewDomainError("Backend.GenerateStructured", domain.ErrProviderError, "empty reply from "+b.provider.Name())
	}
	return content, nil
}

// GenerateWithTools offers tools to the model. A reply carrying function
// calls becomes a function_call generation; anything else is text.
func (b *Backend) GenerateWithTools(ctx context.Context, prompt string, tools []domain.FunctionDeclaration) (*domain.Generation, error) {
	resp, err := b.provider.Chat(ctx, domain.ChatRequest{
		Messages: b.messages(toolsSystemPrompt, prompt),
		Tools:    tools,
	})
	if err != nil {
		return nil, b.wrap("GenerateWithTools", err)
	}

	if len(resp.Message.Calls) > 0 {
		calls := make([]domain.FunctionCall, 0, len(resp.Message.Calls))
		for _, c := range resp.Message.Calls {
			if c.Name == "" {
				b.logger.WarnContext(ctx, "dropping function call without a name", "provider", b.provider.Name())
				continue
			}
			calls = append(calls, c)
		}
		if len(calls) > 0 {
			return &domain.Generation{Kind: domain.GenerationFunctionCall, Calls: calls}, nil
		}
	}
	return &domain.Generation{Kind: domain.GenerationText, Content: resp.Message.Content}, nil
}

func (b *Backend) messages(system, prompt string) []domain.Message {
	now := b.now()
	return []domain.Message{
		{Role: domain.RoleSystem, Content: system, Timestamp: now},
		{Role: domain.RoleUser, Content: prompt, Timestamp: now},
	}
}

// wrap keeps the category of err visible to errors.Is while naming the provider.
func (b *Backend) wrap(op string, err error) error {
	return fmt.Errorf("%s via %s: %w", op, b.provider.Name(), err)
}
