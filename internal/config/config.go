// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. An empty DatabaseURL disables persistence:
	// runs live only in memory for the process lifetime.
	DatabaseURL string

	// Model provider API keys. Providers without a key are simply not
	// configured; at least one must be present.
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
	DefaultModel    string

	// Web search settings.
	SearchProvider      string   // default provider id: "searxng" or "tavily"
	SearXNGInstances    []string // override the built-in instance list
	TavilyAPIKey        string
	AllowDegradedSearch bool

	// Research engine knobs.
	SubQueryTimeout      time.Duration
	SynthesisTimeout     time.Duration
	ContinueOnEmptyRound bool
	TerminalRunCap       int // finished runs kept in memory; negative disables eviction

	// Embedding provider settings (dedup and the learning index).
	EmbeddingProvider   string // "auto", "openai", "ollama", or "noop"
	EmbeddingModel      string
	EmbeddingDimensions int // must match the chosen model's output
	OllamaURL           string
	OllamaModel         string

	// Qdrant learning index. An empty URL disables cross-run search.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                 envInt("TANSA_PORT", 8080),
		ReadTimeout:          envDuration("TANSA_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         envDuration("TANSA_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:          envStr("DATABASE_URL", ""),
		OpenAIAPIKey:         envStr("OPENAI_API_KEY", ""),
		AnthropicAPIKey:      envStr("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:         envStr("GEMINI_API_KEY", ""),
		DefaultModel:         envStr("TANSA_DEFAULT_MODEL", "gemini-1.5-pro"),
		SearchProvider:       envStr("TANSA_SEARCH_PROVIDER", "searxng"),
		SearXNGInstances:     envList("TANSA_SEARXNG_INSTANCES"),
		TavilyAPIKey:         envStr("TAVILY_API_KEY", ""),
		AllowDegradedSearch:  envBool("TANSA_ALLOW_DEGRADED_SEARCH", true),
		SubQueryTimeout:      envDuration("TANSA_SUBQUERY_TIMEOUT", 90*time.Second),
		SynthesisTimeout:     envDuration("TANSA_SYNTHESIS_TIMEOUT", 3*time.Minute),
		ContinueOnEmptyRound: envBool("TANSA_CONTINUE_ON_EMPTY_ROUND", true),
		TerminalRunCap:       envInt("TANSA_TERMINAL_RUN_CAP", 1000),
		EmbeddingProvider:    envStr("TANSA_EMBEDDING_PROVIDER", "auto"),
		EmbeddingModel:       envStr("TANSA_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions:  envInt("TANSA_EMBEDDING_DIMENSIONS", 1024),
		OllamaURL:            envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:          envStr("OLLAMA_MODEL", "mxbai-embed-large"),
		QdrantURL:            envStr("QDRANT_URL", ""),
		QdrantAPIKey:         envStr("QDRANT_API_KEY", ""),
		QdrantCollection:     envStr("TANSA_QDRANT_COLLECTION", "tansa_learnings"),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:         envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "tansa"),
		LogLevel:             envStr("TANSA_LOG_LEVEL", "info"),
		RateLimitPerMinute:   envInt("TANSA_RATE_LIMIT_PER_MINUTE", 60),
		MaxRequestBodyBytes:  int64(envInt("TANSA_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.OpenAIAPIKey == "" && c.AnthropicAPIKey == "" && c.GeminiAPIKey == "" {
		return fmt.Errorf("config: at least one model provider API key is required (OPENAI_API_KEY, ANTHROPIC_API_KEY, or GEMINI_API_KEY)")
	}
	switch c.SearchProvider {
	case "searxng":
	case "tavily":
		if c.TavilyAPIKey == "" {
			return fmt.Errorf("config: TAVILY_API_KEY is required when TANSA_SEARCH_PROVIDER=tavily")
		}
	default:
		return fmt.Errorf("config: unknown search provider %q", c.SearchProvider)
	}
	switch c.EmbeddingProvider {
	case "auto", "openai", "ollama", "noop":
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.EmbeddingProvider)
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: TANSA_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: TANSA_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envList parses a comma-separated environment variable, trimming
// whitespace and dropping empty entries. Returns nil when unset.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
