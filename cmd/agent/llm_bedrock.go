//go:build bedrock

package main

import (
	"context"
	"log/slog"

	"discovery-agent/internal/adapter/llm"
	"discovery-agent/internal/domain"
	"discovery-agent/internal/infra/config"
)

func createBedrockProvider(ctx context.Context, pc config.ProviderConfig, log *slog.Logger) (domain.LLMProvider, error) {
	return llm.NewBedrockProvider(ctx, pc, log)
}
