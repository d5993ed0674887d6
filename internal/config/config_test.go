package config

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CHANGEDESK_SERVER_URL", "")
	t.Setenv("CHANGEDESK_LOG_LEVEL", "")
	t.Setenv("CHANGEDESK_LOCAL_PORT", "")
	t.Setenv("CHANGEDESK_DB_DRIVER", "")
	t.Setenv("CHANGEDESK_GENERATION", "")

	cfg := LoadConfig()
	if cfg.ServerURL != "http://127.0.0.1:4621" {
		t.Fatalf("unexpected ServerURL: %s", cfg.ServerURL)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected LogLevel: %s", cfg.LogLevel)
	}
	if cfg.LocalPort != 4621 || cfg.LocalHost != "127.0.0.1" {
		t.Fatalf("unexpected listen address: %s:%d", cfg.LocalHost, cfg.LocalPort)
	}
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("unexpected db driver: %s", cfg.DBDriver)
	}
	if cfg.GenerationMode != "manual" {
		t.Fatalf("unexpected generation mode: %s", cfg.GenerationMode)
	}
	if cfg.ReconnectMaxAttempts != 5 || cfg.ReconnectDelay != time.Second {
		t.Fatalf("unexpected reconnect policy: %d/%s", cfg.ReconnectMaxAttempts, cfg.ReconnectDelay)
	}
	if cfg.MutationAttempts != 3 || cfg.MutationDelay != time.Second {
		t.Fatalf("unexpected mutation retry policy: %d/%s", cfg.MutationAttempts, cfg.MutationDelay)
	}
	if cfg.FeedSize != 50 || cfg.SearchDebounce != 300*time.Millisecond {
		t.Fatalf("unexpected feed settings: %d/%s", cfg.FeedSize, cfg.SearchDebounce)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("CHANGEDESK_SERVER_URL", "http://desk.internal:9000/")
	t.Setenv("CHANGEDESK_LOCAL_PORT", "4700")
	t.Setenv("CHANGEDESK_DB_DRIVER", "POSTGRES")
	t.Setenv("CHANGEDESK_DB_DSN", "postgres://desk@localhost/desk")
	t.Setenv("CHANGEDESK_GENERATION", "openai")
	t.Setenv("CHANGEDESK_RECONNECT_DELAY", "250ms")
	t.Setenv("CHANGEDESK_MUTATION_ATTEMPTS", "4")

	cfg := LoadConfig()
	if cfg.ServerURL != "http://desk.internal:9000" {
		t.Fatalf("trailing slash should be trimmed, got %s", cfg.ServerURL)
	}
	if cfg.LocalPort != 4700 {
		t.Fatalf("unexpected port: %d", cfg.LocalPort)
	}
	if cfg.DBDriver != "postgres" || cfg.DBDSN == "" {
		t.Fatalf("unexpected db settings: %s %q", cfg.DBDriver, cfg.DBDSN)
	}
	if cfg.GenerationMode != "openai" {
		t.Fatalf("unexpected generation mode: %s", cfg.GenerationMode)
	}
	if cfg.ReconnectDelay != 250*time.Millisecond {
		t.Fatalf("unexpected reconnect delay: %s", cfg.ReconnectDelay)
	}
	if cfg.MutationAttempts != 4 {
		t.Fatalf("unexpected mutation attempts: %d", cfg.MutationAttempts)
	}
}

func TestLoadConfig_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("CHANGEDESK_LOCAL_PORT", "80a")
	t.Setenv("CHANGEDESK_DB_DRIVER", "oracle")
	t.Setenv("CHANGEDESK_SEARCH_DEBOUNCE", "soon")

	cfg := LoadConfig()
	if cfg.LocalPort != 4621 {
		t.Fatalf("malformed port should fall back, got %d", cfg.LocalPort)
	}
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("unknown driver should fall back, got %s", cfg.DBDriver)
	}
	if cfg.SearchDebounce != 300*time.Millisecond {
		t.Fatalf("malformed duration should fall back, got %s", cfg.SearchDebounce)
	}
}

func TestGetConfig_UsesCacheWithinTTL(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return base }
	defer func() { nowFunc = time.Now }()

	t.Setenv("CHANGEDESK_LOG_LEVEL", "debug")
	_ = LoadConfig()
	t.Setenv("CHANGEDESK_LOG_LEVEL", "error")
	if got := GetConfig().LogLevel; got != "debug" {
		t.Fatalf("expected cached level, got %s", got)
	}

	nowFunc = func() time.Time { return base.Add(cacheTTL + time.Second) }
	if got := GetConfig().LogLevel; got != "error" {
		t.Fatalf("expected refreshed level, got %s", got)
	}
}
