// Package config provides configuration for the orchestrator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Retrieval backend (similarity search capability)
	RetrievalURL string

	// LLM settings
	AnthropicAPIKey string
	Model           string
	MaxTokens       int
	Temperature     float64
	LLMTimeout      time.Duration

	// Workflow tuning
	MaxSearchSteps int
	SearchWorkers  int
	SearchTimeout  time.Duration
	RetryBackoff   time.Duration

	// Streaming
	KeepaliveInterval time.Duration

	// web_fetch limits
	WebFetchAllowedDomains []string
	WebFetchMaxBytes       int
	WebFetchTimeout        time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// fileOverlay mirrors the optional YAML config file. Only tuning knobs and
// the web-fetch allow-list live there; secrets stay in the environment.
type fileOverlay struct {
	MaxSearchSteps    int      `yaml:"max_search_steps"`
	SearchWorkers     int      `yaml:"search_workers"`
	RetryBackoffMs    int      `yaml:"retry_backoff_ms"`
	KeepaliveSeconds  int      `yaml:"keepalive_seconds"`
	WebFetchDomains   []string `yaml:"web_fetch_allowed_domains"`
	WebFetchMaxBytes  int      `yaml:"web_fetch_max_bytes"`
	WebFetchTimeoutMs int      `yaml:"web_fetch_timeout_ms"`
}

// Load loads configuration from environment variables, then applies the YAML
// overlay file named by ORCHESTRATOR_CONFIG when present.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:          getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:       getEnv("DATABASE_URL", "file:orchestrator.db?cache=shared&mode=rwc"),
		RetrievalURL:      getEnv("RETRIEVAL_URL", ""),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		Model:             getEnv("LLM_MODEL", "claude-sonnet-4-20250514"),
		MaxTokens:         getEnvInt("LLM_MAX_TOKENS", 1024),
		Temperature:       getEnvFloat("LLM_TEMPERATURE", 0.0),
		LLMTimeout:        time.Duration(getEnvInt("LLM_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxSearchSteps:    getEnvInt("MAX_SEARCH_STEPS", 6),
		SearchWorkers:     getEnvInt("SEARCH_WORKERS", 4),
		SearchTimeout:     time.Duration(getEnvInt("SEARCH_TIMEOUT_MS", 10000)) * time.Millisecond,
		RetryBackoff:      time.Duration(getEnvInt("RETRY_BACKOFF_MS", 500)) * time.Millisecond,
		KeepaliveInterval: time.Duration(getEnvInt("KEEPALIVE_SECONDS", 15)) * time.Second,
		WebFetchMaxBytes:  getEnvInt("WEB_FETCH_MAX_BYTES", 200_000),
		WebFetchTimeout:   time.Duration(getEnvInt("WEB_FETCH_TIMEOUT_MS", 10000)) * time.Millisecond,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
	}

	if domains := getEnv("WEB_FETCH_ALLOWED_DOMAINS", ""); domains != "" {
		for _, d := range strings.Split(domains, ",") {
			if d = strings.TrimSpace(strings.ToLower(d)); d != "" {
				cfg.WebFetchAllowedDomains = append(cfg.WebFetchAllowedDomains, d)
			}
		}
	}

	if path := os.Getenv("ORCHESTRATOR_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if overlay.MaxSearchSteps > 0 {
		c.MaxSearchSteps = overlay.MaxSearchSteps
	}
	if overlay.SearchWorkers > 0 {
		c.SearchWorkers = overlay.SearchWorkers
	}
	if overlay.RetryBackoffMs > 0 {
		c.RetryBackoff = time.Duration(overlay.RetryBackoffMs) * time.Millisecond
	}
	if overlay.KeepaliveSeconds > 0 {
		c.KeepaliveInterval = time.Duration(overlay.KeepaliveSeconds) * time.Second
	}
	if len(overlay.WebFetchDomains) > 0 {
		c.WebFetchAllowedDomains = nil
		for _, d := range overlay.WebFetchDomains {
			c.WebFetchAllowedDomains = append(c.WebFetchAllowedDomains, strings.ToLower(d))
		}
	}
	if overlay.WebFetchMaxBytes > 0 {
		c.WebFetchMaxBytes = overlay.WebFetchMaxBytes
	}
	if overlay.WebFetchTimeoutMs > 0 {
		c.WebFetchTimeout = time.Duration(overlay.WebFetchTimeoutMs) * time.Millisecond
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
