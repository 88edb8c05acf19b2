package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DB_PATH", "ASSISTANT_GRPC_ADDR", "FORGE_BACKEND_URL", "SANDBOX_ENABLED"} {
		t.Setenv(key, "")
	}
	t.Setenv("PORT", "8080")
	t.Setenv("DB_PATH", "./data/forge.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SessionTTL != 60*time.Minute {
		t.Fatalf("unexpected session ttl %v", cfg.SessionTTL)
	}
	if cfg.RateLimit.RequestsPerWindow != 10 || cfg.RateLimit.WindowDuration != time.Minute {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.HasAssistant() {
		t.Fatal("no assistant should be configured")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ASSISTANT_GRPC_ADDR", "assistant:50051")
	t.Setenv("ASSISTANT_REQUEST_TIMEOUT", "45s")
	t.Setenv("SSE_KEEPALIVE_INTERVAL", "not-a-duration")
	t.Setenv("TRANSCRIPT_LOG_ENABLED", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.HasAssistant() || cfg.Assistant.RequestTimeout != 45*time.Second {
		t.Fatalf("unexpected assistant config %+v", cfg.Assistant)
	}
	if cfg.SSE.KeepaliveInterval != 10*time.Second {
		t.Fatalf("invalid duration should fall back, got %v", cfg.SSE.KeepaliveInterval)
	}
	if cfg.TranscriptLog.Enabled {
		t.Fatal("expected transcript log disabled")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{
			Port:       "8080",
			DBPath:     "db",
			SessionTTL: time.Minute,
			RateLimit:  RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second},
			SSE:        SSEConfig{QueueSize: 1, KeepaliveInterval: time.Second, MaxRequestBodySize: 1},
			TranscriptLog: TranscriptLogConfig{
				Enabled:   true,
				Dir:       "logs",
				QueueSize: 1,
			},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	tests := map[string]func(*Config){
		"empty port":           func(c *Config) { c.Port = "" },
		"empty db":             func(c *Config) { c.DBPath = "" },
		"zero rate limit":      func(c *Config) { c.RateLimit.RequestsPerWindow = 0 },
		"zero sse queue":       func(c *Config) { c.SSE.QueueSize = 0 },
		"log without dir":      func(c *Config) { c.TranscriptLog.Dir = "" },
		"sandbox without rest": func(c *Config) { c.Sandbox.Enabled = true },
	}
	for name, mutate := range tests {
		cfg := valid()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestIsDevelopment(t *testing.T) {
	t.Parallel()
	for url, want := range map[string]bool{
		"":                      true,
		"http://localhost:5173": true,
		"http://127.0.0.1:3000": true,
		"https://forge.example": false,
	} {
		if got := (&Config{FrontendURL: url}).IsDevelopment(); got != want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", url, got, want)
		}
	}
}
