// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	FrontendURL   string
	DBPath        string
	SessionTTL    time.Duration
	SweepInterval time.Duration
	Assistant     AssistantConfig
	Sandbox       SandboxConfig
	RateLimit     RateLimitConfig
	SSE           SSEConfig
	TranscriptLog TranscriptLogConfig
}

// AssistantConfig points at the prompt, validation and library backends.
// GRPCAddr takes precedence over BaseURL for prompt execution.
type AssistantConfig struct {
	GRPCAddr       string
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
}

// SandboxConfig controls the Docker pre-check of generated components.
type SandboxConfig struct {
	Enabled bool
	Image   string
	Timeout time.Duration
	Runtime string // Docker runtime: "" = default (runc), "runsc" = gVisor
}

// RateLimitConfig bounds prompt submissions per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig tunes the notification stream.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	QueueSize          int
	MaxRequestBodySize int64
}

// TranscriptLogConfig controls NDJSON transcript recording.
type TranscriptLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/forge.db"),
		SessionTTL:    getEnvDuration("SESSION_TTL", 60*time.Minute),
		SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		Assistant: AssistantConfig{
			GRPCAddr:       getEnv("ASSISTANT_GRPC_ADDR", ""),
			BaseURL:        getEnv("FORGE_BACKEND_URL", ""),
			APIKey:         getEnv("FORGE_API_KEY", ""),
			RequestTimeout: getEnvDuration("ASSISTANT_REQUEST_TIMEOUT", 120*time.Second),
			ConnectTimeout: getEnvDuration("ASSISTANT_CONNECT_TIMEOUT", 5*time.Second),
		},
		Sandbox: SandboxConfig{
			Enabled: getEnvBool("SANDBOX_ENABLED", false),
			Image:   getEnv("SANDBOX_IMAGE", "python:3.12-alpine"),
			Timeout: getEnvDuration("SANDBOX_TIMEOUT", 20*time.Second),
			Runtime: getEnv("CONTAINER_RUNTIME", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			QueueSize:          getEnvInt("SSE_QUEUE_SIZE", 100),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		TranscriptLog: TranscriptLogConfig{
			Enabled:   getEnvBool("TRANSCRIPT_LOG_ENABLED", true),
			Dir:       getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/transcripts"),
			QueueSize: getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.QueueSize <= 0 {
		return errors.New("SSE_QUEUE_SIZE must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return errors.New("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return errors.New("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.TranscriptLog.Enabled && c.TranscriptLog.Dir == "" {
		return errors.New("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	if c.TranscriptLog.QueueSize <= 0 {
		return errors.New("TRANSCRIPT_LOG_QUEUE_SIZE must be > 0")
	}
	if c.Sandbox.Enabled && c.Assistant.BaseURL == "" {
		return errors.New("SANDBOX_ENABLED requires FORGE_BACKEND_URL")
	}
	return nil
}

// HasAssistant reports whether any prompt backend is configured.
func (c *Config) HasAssistant() bool {
	return c.Assistant.GRPCAddr != "" || c.Assistant.BaseURL != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
