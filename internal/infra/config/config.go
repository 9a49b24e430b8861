package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	LLM        LLMConfig        `yaml:"llm"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Tools      ToolsConfig      `yaml:"tools"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Includes   []string         `yaml:"includes,omitempty"`
}

// AgentConfig controls the reasoning engine.
type AgentConfig struct {
	MaxIterations     int           `yaml:"max_iterations"`
	Timeout           time.Duration `yaml:"timeout"`
	DefaultSearchTool string        `yaml:"default_search_tool"`
	SessionPrefix     string        `yaml:"session_prefix"`
}

// LLMConfig holds model backend settings.
type LLMConfig struct {
	DefaultProvider string           `yaml:"default_provider"`
	Providers       []ProviderConfig `yaml:"providers"`
	// Fallbacks names providers tried in order when the default fails.
	Fallbacks []string   `yaml:"fallbacks,omitempty"`
	Pool      PoolConfig `yaml:"pool"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	Temperature float64       `yaml:"temperature,omitempty"`
	MaxTokens   int           `yaml:"max_tokens,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
}

// ResilienceConfig holds retry and circuit breaker settings per dependency class.
type ResilienceConfig struct {
	LLM   ExecutorConfig `yaml:"llm"`
	Tools ExecutorConfig `yaml:"tools"`
}

// ExecutorConfig pairs a retry policy with a circuit breaker.
type ExecutorConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds bounded exponential-backoff settings.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	RetryableErrors   []string      `yaml:"retryable_errors,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	HalfOpenAttempts uint32        `yaml:"half_open_attempts"`
}

// ToolsConfig holds tool registry settings.
type ToolsConfig struct {
	MaxParallel int         `yaml:"max_parallel"`
	Arxiv       ArxivConfig `yaml:"arxiv"`
	MCPServers  []MCPServer `yaml:"mcp_servers,omitempty"`
}

// ArxivConfig configures the built-in literature search tool.
type ArxivConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"base_url"`
	Interval   time.Duration `yaml:"interval"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxResults int           `yaml:"max_results"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// CheckpointConfig selects and tunes the checkpoint store.
type CheckpointConfig struct {
	Enabled         bool          `yaml:"enabled"`
	TTL             time.Duration `yaml:"ttl"`
	Store           string        `yaml:"store"` // memory, file, sqlite, redis
	Path            string        `yaml:"path,omitempty"`
	RedisURL        string        `yaml:"redis_url,omitempty"`
	RedisPrefix     string        `yaml:"redis_prefix,omitempty"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
}

// SchedulerConfig holds maintenance scheduler settings.
type SchedulerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	HistoryClear string `yaml:"history_clear,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.discovery-agent/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".discovery-agent", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Agent: AgentConfig{
			MaxIterations:     3,
			Timeout:           5 * time.Minute,
			DefaultSearchTool: "search",
			SessionPrefix:     "session_",
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
		},
		Resilience: ResilienceConfig{
			LLM: ExecutorConfig{
				Retry: RetryConfig{
					MaxRetries:        3,
					InitialDelay:      time.Second,
					MaxDelay:          10 * time.Second,
					BackoffMultiplier: 2,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
					HalfOpenAttempts: 3,
				},
			},
			Tools: ExecutorConfig{
				Retry: RetryConfig{
					MaxRetries:        2,
					InitialDelay:      500 * time.Millisecond,
					MaxDelay:          5 * time.Second,
					BackoffMultiplier: 2,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     30 * time.Second,
					HalfOpenAttempts: 2,
				},
			},
		},
		Tools: ToolsConfig{
			MaxParallel: 4,
			Arxiv: ArxivConfig{
				Enabled:    true,
				BaseURL:    "https://export.arxiv.org/api/query",
				Interval:   3 * time.Second,
				Timeout:    30 * time.Second,
				MaxResults: 10,
			},
		},
		Checkpoint: CheckpointConfig{
			Enabled:         true,
			TTL:             24 * time.Hour,
			Store:           "memory",
			Path:            filepath.Join(dataDir, "checkpoints"),
			RedisPrefix:     "discovery:",
			CleanupSchedule: "10m",
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("DISCOVERY_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps DISCOVERY_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DISCOVERY_AGENT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv("DISCOVERY_AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Agent.Timeout = d
		}
	}
	if v := os.Getenv("DISCOVERY_AGENT_DEFAULT_SEARCH_TOOL"); v != "" {
		cfg.Agent.DefaultSearchTool = v
	}
	if v := os.Getenv("DISCOVERY_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("DISCOVERY_LLM_API_KEY"); v != "" {
		for i := range cfg.LLM.Providers {
			if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
				cfg.LLM.Providers[i].APIKey = v
			}
		}
	}
	if v := os.Getenv("DISCOVERY_LLM_MODEL"); v != "" {
		for i := range cfg.LLM.Providers {
			if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
				cfg.LLM.Providers[i].Model = v
			}
		}
	}
	if v := os.Getenv("DISCOVERY_TOOLS_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tools.MaxParallel = n
		}
	}
	if v := os.Getenv("DISCOVERY_TOOLS_ARXIV_ENABLED"); v != "" {
		cfg.Tools.Arxiv.Enabled = v == "true"
	}
	if v := os.Getenv("DISCOVERY_TOOLS_ARXIV_BASE_URL"); v != "" {
		cfg.Tools.Arxiv.BaseURL = v
	}
	if v := os.Getenv("DISCOVERY_CHECKPOINT_ENABLED"); v != "" {
		cfg.Checkpoint.Enabled = v == "true"
	}
	if v := os.Getenv("DISCOVERY_CHECKPOINT_STORE"); v != "" {
		cfg.Checkpoint.Store = v
	}
	if v := os.Getenv("DISCOVERY_CHECKPOINT_PATH"); v != "" {
		cfg.Checkpoint.Path = v
	}
	if v := os.Getenv("DISCOVERY_CHECKPOINT_REDIS_URL"); v != "" {
		cfg.Checkpoint.RedisURL = v
	}
	if v := os.Getenv("DISCOVERY_CHECKPOINT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Checkpoint.TTL = d
		}
	}
	if v := os.Getenv("DISCOVERY_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = v == "true"
	}
	if v := os.Getenv("DISCOVERY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("DISCOVERY_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("DISCOVERY_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("DISCOVERY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("DISCOVERY_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("DISCOVERY_RETRYABLE_ERRORS"); v != "" {
		entries := splitAndTrim(v, ",")
		cfg.Resilience.LLM.Retry.RetryableErrors = entries
		cfg.Resilience.Tools.Retry.RetryableErrors = entries
	}
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values in provider API keys, the redis URL
// and MCP server env entries, and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		if err := decryptField(&cfg.LLM.Providers[i].APIKey, passphrase); err != nil {
			return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
		}
	}

	if err := decryptField(&cfg.Checkpoint.RedisURL, passphrase); err != nil {
		return fmt.Errorf("checkpoint redis_url: %w", err)
	}

	for i := range cfg.Tools.MCPServers {
		srv := &cfg.Tools.MCPServers[i]
		for k, v := range srv.Env {
			if err := decryptField(&v, passphrase); err != nil {
				return fmt.Errorf("mcp server %s env %s: %w", srv.Name, k, err)
			}
			srv.Env[k] = v
		}
	}
	return nil
}

func decryptField(fp *string, passphrase string) error {
	if !strings.HasPrefix(*fp, "enc:") {
		return nil
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*fp = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
