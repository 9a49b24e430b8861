package main

import (
	"context"
	"fmt"
	"log/slog"

	"discovery-agent/internal/adapter/tool"
	"discovery-agent/internal/domain"
	"discovery-agent/internal/infra/config"
	"discovery-agent/internal/usecase/eventbus"
	"discovery-agent/internal/usecase/resilience"
)

// AgentComponents holds the tool side of the engine.
type AgentComponents struct {
	ToolRegistry *tool.Registry
	LLMExecutor  *resilience.Executor
	ToolExecutor *resilience.Executor
	MCPBridge    *tool.MCPBridge // nil when no MCP servers are configured
}

// initAgent builds the resilience executors and the tool registry with the
// built-in search tool and any MCP-provided tools.
// Returns the components, a cleanup function, and any error
func initAgent(ctx context.Context, cfg *config.Config, bus domain.EventBus, log *slog.Logger) (*AgentComponents, func(), error) {
	comp := &AgentComponents{
		LLMExecutor:  newExecutor("llm", cfg.Resilience.LLM, bus, log),
		ToolExecutor: newExecutor("tools", cfg.Resilience.Tools, bus, log),
	}

	comp.ToolRegistry = tool.NewRegistry(log,
		tool.WithRunner(comp.ToolExecutor),
		tool.WithMaxParallel(cfg.Tools.MaxParallel),
	)

	if cfg.Tools.Arxiv.Enabled {
		search := tool.NewArxivSearch(tool.ArxivConfig{
			Name:       cfg.Agent.DefaultSearchTool,
			BaseURL:    cfg.Tools.Arxiv.BaseURL,
			Interval:   cfg.Tools.Arxiv.Interval,
			Timeout:    cfg.Tools.Arxiv.Timeout,
			MaxResults: cfg.Tools.Arxiv.MaxResults,
		}, nil, log)
		if err := comp.ToolRegistry.Register(search.Declaration()); err != nil {
			return nil, nil, fmt.Errorf("register search tool: %w", err)
		}
	}

	cleanup := func() {}
	if len(cfg.Tools.MCPServers) > 0 {
		bridge, err := tool.NewMCPBridge(ctx, toMCPServers(cfg.Tools.MCPServers), log)
		if err != nil {
			return nil, nil, err
		}
		if err := bridge.RegisterAll(comp.ToolRegistry); err != nil {
			bridge.Close()
			return nil, nil, fmt.Errorf("register mcp tools: %w", err)
		}
		comp.MCPBridge = bridge
		cleanup = bridge.Close
		log.Info("mcp tools registered", "servers", len(cfg.Tools.MCPServers), "tools", len(bridge.Declarations()))
	}

	return comp, cleanup, nil
}

// newExecutor maps an executor config section onto a resilience executor.
// Breaker transitions are published on bus when one is given.
func newExecutor(name string, ec config.ExecutorConfig, bus domain.EventBus, log *slog.Logger) *resilience.Executor {
	policy := resilience.RetryPolicy{
		MaxRetries:        ec.Retry.MaxRetries,
		InitialDelay:      ec.Retry.InitialDelay,
		MaxDelay:          ec.Retry.MaxDelay,
		BackoffMultiplier: ec.Retry.BackoffMultiplier,
		RetryableErrors:   ec.Retry.RetryableErrors,
	}
	breaker := resilience.BreakerConfig{
		FailureThreshold: ec.CircuitBreaker.FailureThreshold,
		ResetTimeout:     ec.CircuitBreaker.ResetTimeout,
		HalfOpenAttempts: ec.CircuitBreaker.HalfOpenAttempts,
	}
	if bus != nil {
		breaker.OnStateChange = func(cb string, from, to resilience.State) {
			eventbus.Emit(context.Background(), bus, domain.EventCircuitChanged, "",
				map[string]string{"breaker": cb, "from": string(from), "to": string(to)})
		}
	}
	return resilience.NewExecutor(name, policy, breaker, log)
}

func toMCPServers(in []config.MCPServer) []tool.MCPServer {
	out := make([]tool.MCPServer, len(in))
	for i, s := range in {
		out[i] = tool.MCPServer{
			Name:      s.Name,
			Transport: s.Transport,
			Command:   s.Command,
			Args:      s.Args,
			URL:       s.URL,
			Env:       s.Env,
		}
	}
	return out
}
