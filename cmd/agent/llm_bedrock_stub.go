//go:build !bedrock

package main

import (
	"context"
	"fmt"
	"log/slog"

	"discovery-agent/internal/domain"
	"discovery-agent/internal/infra/config"
)

func createBedrockProvider(_ context.Context, _ config.ProviderConfig, _ *slog.Logger) (domain.LLMProvider, error) {
	return nil, fmt.Errorf("bedrock provider requires build with -tags bedrock")
}
