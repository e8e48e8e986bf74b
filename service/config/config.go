package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/chainquery/service/answer"
	"github.com/brojonat/chainquery/service/synth"
)

// Store backends accepted in STORE_BACKEND.
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Storage configuration
	StoreBackend string
	DatabaseURL  string

	// NATS configuration. Empty disables events and the SSE stream.
	NATSURL string

	// Synthesizer configuration
	SynthProvider string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	GeminiAPIKey  string
	GeminiModel   string
	SynthTimeout  time.Duration
	PromptsFile   string

	// Query configuration
	CacheLookback      int
	RecentQueriesLimit int
	RequireExplanation bool
	MaxQueryLength     int

	// Explorer configuration
	EtherscanAPIKey  string
	EtherscanBaseURL string
	EtherscanRPS     float64
	SolanaRPCURL     string

	// Tracing configuration
	OTELEndpoint string
	OTELInsecure bool
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Storage configuration
	cfg.StoreBackend = getEnvOrDefault("STORE_BACKEND", StoreBackendPostgres)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// NATS configuration
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Synthesizer configuration
	cfg.SynthProvider = getEnvOrDefault("SYNTH_PROVIDER", synth.ProviderOpenAI)
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAIBaseURL = getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	cfg.OpenAIModel = getEnvOrDefault("OPENAI_MODEL", "gpt-4o")
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.GeminiModel = getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash")
	cfg.PromptsFile = os.Getenv("PROMPTS_FILE")

	if timeout, err := parseDuration("SYNTH_TIMEOUT", "60s"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.SynthTimeout = timeout
	}

	// Query configuration
	if n, err := parseInt("CACHE_LOOKBACK", 100); err != nil {
		errs = append(errs, err)
	} else {
		cfg.CacheLookback = n
	}
	if n, err := parseInt("RECENT_QUERIES_LIMIT", 10); err != nil {
		errs = append(errs, err)
	} else {
		cfg.RecentQueriesLimit = n
	}
	if n, err := parseInt("MAX_QUERY_LENGTH", 2000); err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxQueryLength = n
	}
	if b, err := parseBool("REQUIRE_EXPLANATION", true); err != nil {
		errs = append(errs, err)
	} else {
		cfg.RequireExplanation = b
	}

	// Explorer configuration
	cfg.EtherscanAPIKey = os.Getenv("ETHERSCAN_API_KEY")
	cfg.EtherscanBaseURL = getEnvOrDefault("ETHERSCAN_BASE_URL", "https://api.etherscan.io/api")
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if rps, err := parseFloat("ETHERSCAN_RPS", 5); err != nil {
		errs = append(errs, err)
	} else {
		cfg.EtherscanRPS = rps
	}

	// Tracing configuration
	cfg.OTELEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if b, err := parseBool("OTEL_INSECURE", true); err != nil {
		errs = append(errs, err)
	} else {
		cfg.OTELInsecure = b
	}

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case StoreBackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StoreBackendPostgres))
		}
	case StoreBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q",
			StoreBackendPostgres, StoreBackendMemory, c.StoreBackend))
	}

	switch c.SynthProvider {
	case synth.ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, fmt.Errorf("OPENAI_API_KEY is required when SYNTH_PROVIDER is %q", synth.ProviderOpenAI))
		}
	case synth.ProviderGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, fmt.Errorf("GEMINI_API_KEY is required when SYNTH_PROVIDER is %q", synth.ProviderGemini))
		}
	default:
		errs = append(errs, fmt.Errorf("SYNTH_PROVIDER must be %q or %q, got %q",
			synth.ProviderOpenAI, synth.ProviderGemini, c.SynthProvider))
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if c.SynthTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SYNTH_TIMEOUT must be positive"))
	}
	if c.CacheLookback < 1 {
		errs = append(errs, fmt.Errorf("CACHE_LOOKBACK must be at least 1"))
	}
	if c.RecentQueriesLimit < 1 || c.RecentQueriesLimit > 100 {
		errs = append(errs, fmt.Errorf("RECENT_QUERIES_LIMIT must be between 1 and 100"))
	}
	if c.MaxQueryLength < 1 {
		errs = append(errs, fmt.Errorf("MAX_QUERY_LENGTH must be at least 1"))
	}
	if c.EtherscanRPS <= 0 {
		errs = append(errs, fmt.Errorf("ETHERSCAN_RPS must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// SlogLevel returns LogLevel as a slog level. Unknown values yield info.
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// SynthConfig returns the synthesizer settings.
func (c *Config) SynthConfig() synth.Config {
	return synth.Config{
		Provider:      c.SynthProvider,
		OpenAIAPIKey:  c.OpenAIAPIKey,
		OpenAIBaseURL: c.OpenAIBaseURL,
		OpenAIModel:   c.OpenAIModel,
		GeminiAPIKey:  c.GeminiAPIKey,
		GeminiModel:   c.GeminiModel,
		Timeout:       c.SynthTimeout,
	}
}

// AnswerPolicy returns the explanation policy selected by REQUIRE_EXPLANATION.
func (c *Config) AnswerPolicy() answer.Policy {
	if c.RequireExplanation {
		return answer.Strict
	}
	return answer.Relaxed
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: unknown level %q", s)
	}
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}
