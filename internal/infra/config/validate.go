package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateLLM(cfg, ve)
	validateResilience(cfg, ve)
	validateTools(cfg, ve)
	validateCheckpoint(cfg, ve)
	validateScheduler(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	if cfg.Agent.MaxIterations < 0 {
		ve.Add("agent.max_iterations must be >= 0")
	}
	if cfg.Agent.Timeout < 0 {
		ve.Add("agent.timeout must be >= 0")
	}
	if cfg.Agent.DefaultSearchTool == "" {
		ve.Add("agent.default_search_tool must not be empty")
	}
}

// ProviderTypes lists the supported llm.providers[].type values. The
// OpenAI-compatible types share one client.
var ProviderTypes = map[string]bool{
	"openai":     true,
	"openrouter": true,
	"ollama":     true,
	"bedrock":    true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}

	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !ProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, openrouter, ollama, bedrock)", i, p.Type)
		}
		if p.APIKey == "" && p.Type != "bedrock" && p.Type != "ollama" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via DISCOVERY_LLM_API_KEY)", i, p.Name)
		}
		if p.Type == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
		if p.BaseURL != "" {
			checkURL(ve, fmt.Sprintf("llm.providers[%d].base_url", i), p.BaseURL)
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
	for i, name := range cfg.LLM.Fallbacks {
		if !seen[name] {
			ve.Add("llm.fallbacks[%d] %q does not match any configured provider", i, name)
		} else if name == cfg.LLM.DefaultProvider {
			ve.Add("llm.fallbacks[%d] %q is the default provider", i, name)
		}
	}
}

func validateResilience(cfg *Config, ve *ValidationError) {
	validateExecutor("resilience.llm", cfg.Resilience.LLM, ve)
	validateExecutor("resilience.tools", cfg.Resilience.Tools, ve)
}

func validateExecutor(prefix string, ec ExecutorConfig, ve *ValidationError) {
	r := ec.Retry
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		ve.Add("%s.retry delays must be >= 0", prefix)
	}
	if r.MaxDelay > 0 && r.InitialDelay > r.MaxDelay {
		ve.Add("%s.retry.initial_delay must not exceed max_delay", prefix)
	}
	if r.BackoffMultiplier != 0 && r.BackoffMultiplier < 1 {
		ve.Add("%s.retry.backoff_multiplier must be >= 1", prefix)
	}
	if ec.CircuitBreaker.ResetTimeout < 0 {
		ve.Add("%s.circuit_breaker.reset_timeout must be >= 0", prefix)
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.MaxParallel < 0 {
		ve.Add("tools.max_parallel must be >= 0")
	}
	if cfg.Tools.Arxiv.Enabled {
		checkURL(ve, "tools.arxiv.base_url", cfg.Tools.Arxiv.BaseURL)
		if cfg.Tools.Arxiv.MaxResults < 0 {
			ve.Add("tools.arxiv.max_results must be >= 0")
		}
	}

	seen := make(map[string]bool)
	for i, s := range cfg.Tools.MCPServers {
		if s.Name == "" {
			ve.Add("tools.mcp_servers[%d].name is required", i)
		} else if seen[s.Name] {
			ve.Add("tools.mcp_servers[%d]: duplicate server name %q", i, s.Name)
		}
		seen[s.Name] = true

		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				ve.Add("tools.mcp_servers[%d] (%s): command is required for stdio transport", i, s.Name)
			}
		case "http":
			checkURL(ve, fmt.Sprintf("tools.mcp_servers[%d].url", i), s.URL)
		default:
			ve.Add("tools.mcp_servers[%d].transport %q is invalid (want: stdio, http)", i, s.Transport)
		}
	}
}

// CheckpointStores lists the supported checkpoint.store values.
var CheckpointStores = map[string]bool{
	"memory": true,
	"file":   true,
	"sqlite": true,
	"redis":  true,
}

func validateCheckpoint(cfg *Config, ve *ValidationError) {
	c := cfg.Checkpoint
	if !c.Enabled {
		return
	}
	if c.TTL <= 0 {
		ve.Add("checkpoint.ttl must be > 0")
	}
	if !CheckpointStores[c.Store] {
		ve.Add("checkpoint.store %q is invalid (want: memory, file, sqlite, redis)", c.Store)
	}
	if (c.Store == "file" || c.Store == "sqlite") && c.Path == "" {
		ve.Add("checkpoint.path is required for the %s store", c.Store)
	}
	if c.Store == "redis" && c.RedisURL == "" {
		ve.Add("checkpoint.redis_url is required for the redis store")
	}
	if c.CleanupSchedule != "" {
		checkSchedule(ve, "checkpoint.cleanup_schedule", c.CleanupSchedule)
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	if cfg.Scheduler.HistoryClear != "" {
		checkSchedule(ve, "scheduler.history_clear", cfg.Scheduler.HistoryClear)
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if f := cfg.Logger.Format; f != "text" && f != "json" {
		ve.Add("logger.format %q is invalid (want: text, json)", f)
	}
	if cfg.Logger.Output == "" {
		ve.Add("logger.output must not be empty")
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout", "":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}

func checkURL(ve *ValidationError, field, raw string) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		ve.Add("%s %q is not a valid URL", field, raw)
	}
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// checkSchedule accepts a cron expression or a positive Go duration.
func checkSchedule(ve *ValidationError, field, schedule string) {
	if _, err := scheduleParser.Parse(schedule); err == nil {
		return
	}
	if d, err := time.ParseDuration(schedule); err != nil || d <= 0 {
		ve.Add("%s %q is not a valid cron expression or duration", field, schedule)
	}
}
