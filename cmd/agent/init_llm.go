package main

import (
	"context"
	"fmt"
	"log/slog"

	"discovery-agent/internal/adapter/llm"
	"discovery-agent/internal/domain"
	"discovery-agent/internal/infra/config"
)

// LLMComponents holds all LLM-related components
type LLMComponents struct {
	Registry   *llm.Registry
	DefaultLLM domain.LLMProvider
	Backend    *llm.Backend
}

// initLLM registers every configured provider, resolves the default with
// its fallbacks, and wraps it as the engine's model backend.
func initLLM(ctx context.Context, cfg *config.Config, log *slog.Logger) (*LLMComponents, error) {
	registry := llm.NewRegistry()

	for _, pc := range cfg.LLM.Providers {
		provider, err := createLLMProvider(ctx, pc, cfg.LLM.Pool, log)
		if err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
		if err := registry.Register(provider); err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
	}

	defaultLLM, err := registry.Resolve(cfg.LLM.DefaultProvider, cfg.LLM.Fallbacks, log)
	if err != nil {
		return nil, fmt.Errorf("default llm provider: %w", err)
	}
	if len(cfg.LLM.Fallbacks) > 0 {
		log.Info("model failover enabled", "fallbacks", cfg.LLM.Fallbacks)
	}

	return &LLMComponents{
		Registry:   registry,
		DefaultLLM: defaultLLM,
		Backend:    llm.NewBackend(defaultLLM, log),
	}, nil
}

func createLLMProvider(ctx context.Context, pc config.ProviderConfig, pool config.PoolConfig, log *slog.Logger) (domain.LLMProvider, error) {
	switch pc.Type {
	case "openai", "openrouter", "ollama", "":
		return llm.NewOpenAIProvider(pc, pool, log), nil
	case "bedrock":
		return createBedrockProvider(ctx, pc, log)
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}
