package utils

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CONVERSATION_BACKEND", "")
	t.Setenv("SESSION_BACKEND", "")
	t.Setenv("AI_TIMEOUT", "")
	t.Setenv("AI_TEMPERATURE", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Upstream.Timeout != 30*time.Second {
		t.Fatalf("expected 30s upstream timeout, got %s", cfg.Upstream.Timeout)
	}
	if cfg.Upstream.Temperature != 0.7 {
		t.Fatalf("expected temperature 0.7, got %v", cfg.Upstream.Temperature)
	}
	if cfg.Storage.ConversationBackend != BackendMemory || cfg.Storage.SessionBackend != BackendMemory {
		t.Fatalf("expected memory backends by default, got %+v", cfg.Storage)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("AI_BASE_URL", "https://llm.example.com/v1/")
	t.Setenv("AI_TIMEOUT", "5s")
	t.Setenv("CONVERSATION_BACKEND", "Mongo")
	t.Setenv("SESSION_BACKEND", "redis")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Upstream.BaseURL != "https://llm.example.com/v1" {
		t.Fatalf("expected trailing slash trimmed, got %s", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Timeout != 5*time.Second {
		t.Fatalf("expected 5s timeout, got %s", cfg.Upstream.Timeout)
	}
	if cfg.Storage.ConversationBackend != BackendMongo || cfg.Storage.SessionBackend != BackendRedis {
		t.Fatalf("unexpected storage config %+v", cfg.Storage)
	}
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	t.Setenv("CONVERSATION_BACKEND", "sqlite")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for unsupported backend")
	}
}

func TestBuildDSN(t *testing.T) {
	cfg := PostgresConfig{User: "u", Password: "p", Host: "h", Port: 5432, Database: "d"}
	if got := cfg.BuildDSN(); got != "postgres://u:p@h:5432/d" {
		t.Fatalf("unexpected dsn %s", got)
	}

	cfg.DSN = "postgres://explicit"
	if got := cfg.BuildDSN(); got != "postgres://explicit" {
		t.Fatalf("expected explicit dsn, got %s", got)
	}
}
