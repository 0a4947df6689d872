package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.DepthQueueMax != 2000 {
		t.Errorf("DepthQueueMax = %d, want 2000", cfg.DepthQueueMax)
	}
	if cfg.DepthStreamMode != "diff" {
		t.Errorf("DepthStreamMode = %q, want diff", cfg.DepthStreamMode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DEPTH_QUEUE_MAX", "500")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.DepthQueueMax != 500 {
		t.Errorf("DepthQueueMax = %d, want 500", cfg.DepthQueueMax)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins = %v, want 2 entries", cfg.AllowedOrigins)
	}
	if cfg.AllowedOrigins[0] != "https://a.example" {
		t.Errorf("AllowedOrigins[0] = %q, want https://a.example", cfg.AllowedOrigins[0])
	}
}

func TestLoadPinnedSymbolsOverride(t *testing.T) {
	t.Setenv("PINNED_SYMBOLS", "BTCUSDT,ETHUSDT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.PinnedSymbols) != 2 || cfg.PinnedSymbols[1] != "ETHUSDT" {
		t.Errorf("PinnedSymbols = %v, want [BTCUSDT ETHUSDT]", cfg.PinnedSymbols)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"zero depth queue max", func(c *Config) { c.DepthQueueMax = 0 }},
		{"zero symbol concurrency", func(c *Config) { c.SymbolConcurrency = 0 }},
		{"bad stream mode", func(c *Config) { c.DepthStreamMode = "bogus" }},
		{"bad update speed", func(c *Config) { c.WSUpdateSpeed = "bogus" }},
		{"stale connection too short", func(c *Config) {
			c.ClientHeartbeatIntervalMs = 1000
			c.ClientStaleConnectionMs = 1500
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() expected error for %s, got nil", tt.name)
			}
		})
	}
}
