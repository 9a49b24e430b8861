package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"discovery-agent/internal/infra/config"
	"discovery-agent/internal/infra/logger"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor(args []string) error {
	var cf commonFlags
	fs := newFlagSet("doctor", &cf, false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfgPath := cf.config

	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		cfg = nil
	}

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity},
		{Name: "Checkpoint store", Fn: checkCheckpointStore},
		{Name: "Tools", Fn: checkTools},
		{Name: "arXiv API", Fn: checkArxiv},
		{Name: "Disk space", Fn: checkDiskSpace},
		{Name: "Network", Fn: checkNetwork},
	}

	fmt.Println("discovery-agent doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure discovery-agent runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\ndiscovery-agent should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! discovery-agent is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func notLoaded() CheckResult {
	return CheckResult{
		Status:  StatusFail,
		Message: "cannot check: config not loaded",
	}
}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if cfgErr == nil {
				return CheckResult{
					Status:  StatusWarn,
					Message: fmt.Sprintf("no config file at %s: using defaults and DISCOVERY_* variables", cfgPath),
					Fix:     "Create config.yaml or pass --config PATH",
				}
			}
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file not found at %s and defaults are invalid: %v", cfgPath, cfgErr),
				Fix:     "Create config.yaml with at least one llm provider, or set DISCOVERY_LLM_API_KEY",
			}
		}

		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and the listed fields",
			}
		}

		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// keylessProvider reports provider types that authenticate without an API key.
func keylessProvider(typ string) bool {
	return typ == "ollama" || typ == "bedrock"
}

// checkLLMAPIKey verifies every provider that needs an API key has one.
func checkLLMAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}

	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM providers configured",
			Fix:     "Add at least one provider in config.yaml under llm.providers",
		}
	}

	var ready, missing []string
	for _, p := range cfg.LLM.Providers {
		if p.APIKey != "" || keylessProvider(p.Type) {
			ready = append(ready, p.Name)
		} else {
			missing = append(missing, p.Name)
		}
	}

	if len(ready) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API keys found for providers: %s", strings.Join(missing, ", ")),
			Fix:     "Set DISCOVERY_LLM_API_KEY or an enc: value in config.yaml",
		}
	}

	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("credentials ready for [%s]; missing for [%s]", strings.Join(ready, ", "), strings.Join(missing, ", ")),
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("credentials ready for: %s", strings.Join(ready, ", ")),
	}
}

// checkLLMConnectivity tests if the default LLM provider is reachable.
func checkLLMConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}

	var provider *config.ProviderConfig
	for i := range cfg.LLM.Providers {
		if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
			provider = &cfg.LLM.Providers[i]
			break
		}
	}
	if provider == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("default provider %q not found in config", cfg.LLM.DefaultProvider),
		}
	}

	if provider.APIKey == "" && !keylessProvider(provider.Type) {
		return CheckResult{
			Status:  StatusWarn,
			Message: "skipped: no API key for default provider",
		}
	}

	endpoint := providerEndpoint(provider)
	if endpoint == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no known endpoint for provider type %q: skipping connectivity test", provider.Type),
		}
	}

	latency, err := probe(endpoint, 10*time.Second)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check your internet connection and firewall settings",
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", provider.Name, latency.Milliseconds()),
	}
}

// providerEndpoint returns a health/ping URL for the given provider.
func providerEndpoint(p *config.ProviderConfig) string {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/") + "/models"
	}
	switch p.Type {
	case "openai", "":
		return "https://api.openai.com/v1/models"
	case "openrouter":
		return "https://openrouter.ai/api/v1/models"
	case "ollama":
		return "http://localhost:11434/v1/models"
	case "bedrock":
		region := p.Region
		if region == "" {
			region = "us-east-1"
		}
		return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/", region)
	default:
		return ""
	}
}

// probe issues a GET and reports the round-trip time. Any HTTP status
// counts as reachable.
func probe(endpoint string, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return time.Since(start), nil
}

// checkCheckpointStore opens the configured store and pings it.
func checkCheckpointStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if !cfg.Checkpoint.Enabled {
		return CheckResult{
			Status:  StatusWarn,
			Message: "checkpointing disabled: interrupted runs cannot be resumed",
		}
	}
	if storeName(cfg.Checkpoint.Store) == "memory" {
		return CheckResult{
			Status:  StatusPass,
			Message: "in-memory store (checkpoints do not survive a restart)",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := openCheckpointStore(ctx, cfg.Checkpoint)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open %s store: %v", cfg.Checkpoint.Store, err),
			Fix:     "Check checkpoint.path or checkpoint.redis_url",
		}
	}
	if c, ok := store.(storeCloser); ok {
		defer c.Close()
	}
	if p, ok := store.(storePinger); ok {
		if err := p.Ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s store not healthy: %v", cfg.Checkpoint.Store, err),
			}
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s store ready (ttl %s)", cfg.Checkpoint.Store, cfg.Checkpoint.TTL),
	}
}

// checkTools builds the tool registry and confirms the default search tool
// is present.
func checkTools(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	comp, cleanup, err := initAgent(ctx, cfg, nil, logger.Nop())
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("tool setup failed: %v", err),
			Fix:     "Check tools.mcp_servers commands and URLs",
		}
	}
	defer cleanup()

	decls := comp.ToolRegistry.List()
	names := make([]string, len(decls))
	for i, d := range decls {
		names[i] = d.Name
	}

	if !comp.ToolRegistry.Has(cfg.Agent.DefaultSearchTool) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("default search tool %q not registered (have: %s)", cfg.Agent.DefaultSearchTool, strings.Join(names, ", ")),
			Fix:     "Enable tools.arxiv or set agent.default_search_tool to a registered tool",
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d tool(s): %s", len(names), strings.Join(names, ", ")),
	}
}

// checkArxiv checks that the arXiv API answers a minimal query.
func checkArxiv(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: "cannot check: config not loaded",
		}
	}
	if !cfg.Tools.Arxiv.Enabled {
		return CheckResult{
			Status:  StatusPass,
			Message: "arXiv search disabled",
		}
	}

	endpoint := cfg.Tools.Arxiv.BaseURL + "?" + url.Values{
		"search_query": {"all:test"},
		"max_results":  {"1"},
	}.Encode()

	latency, err := probe(endpoint, 10*time.Second)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("arXiv not reachable at %s: %v", cfg.Tools.Arxiv.BaseURL, err),
			Fix:     "Check network access or set tools.arxiv.enabled: false",
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("arXiv reachable (latency: %dms)", latency.Milliseconds()),
	}
}

// checkDiskSpace checks available disk space where checkpoints are written.
func checkDiskSpace(cfg *config.Config) CheckResult {
	dataDir := "./data"
	if cfg != nil && cfg.Checkpoint.Path != "" {
		dataDir = cfg.Checkpoint.Path
		if filepath.Ext(dataDir) != "" {
			dataDir = filepath.Dir(dataDir)
		}
	}

	absDir, _ := filepath.Abs(dataDir)

	info, err := os.Stat(absDir)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Status:  StatusPass,
			Message: "data directory does not exist yet: space check skipped",
		}
	}

	out, err := exec.Command("df", "-h", absDir).Output()
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: "could not determine disk space (df command failed)",
		}
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	fields := strings.Fields(lines[len(lines)-1])
	if len(lines) < 2 || len(fields) < 5 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "unexpected df output format",
		}
	}

	available := fields[3]
	usePercent := fields[4]

	var pct int
	fmt.Sscanf(strings.TrimSuffix(usePercent, "%"), "%d", &pct)

	if pct >= 95 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("disk almost full: %s used, %s available", usePercent, available),
			Fix:     "Free up disk space or move checkpoint.path to a different partition",
		}
	}
	if pct >= 85 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("disk usage high: %s used, %s available", usePercent, available),
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("disk usage: %s used, %s available", usePercent, available),
	}
}

// checkNetwork verifies basic internet connectivity.
func checkNetwork(_ *config.Config) CheckResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var d net.Dialer
	for _, addr := range []string{"1.1.1.1:443", "8.8.8.8:443"} {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return CheckResult{
				Status:  StatusPass,
				Message: "internet connectivity OK",
			}
		}
	}

	return CheckResult{
		Status:  StatusFail,
		Message: "no internet connectivity detected",
		Fix:     "Check your network connection and firewall settings",
	}
}
