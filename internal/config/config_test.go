package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "houston.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadExpandsEnvAndDefaults(t *testing.T) {
	t.Setenv("TEST_HOUSTON_KEY", "sk-test-123")
	path := writeConfig(t, `
providers:
  anthropic:
    api_key: ${TEST_HOUSTON_KEY}
    default_model: claude-sonnet-4-20250514
agent:
  system: "be brief"
  check_in:
    frequency: daily
    time: "09:00"
store:
  path: /tmp/houston-test.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("api_key = %q, want expanded env value", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Providers.Default != "anthropic" {
		t.Errorf("default provider = %q", cfg.Providers.Default)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("max_iterations = %d, want default 10", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.SessionTimeout != 2*time.Hour {
		t.Errorf("session_timeout = %v, want default 2h", cfg.Agent.SessionTimeout)
	}
	if cfg.Agent.CheckIn.Frequency != "daily" || cfg.Agent.CheckIn.Time != "09:00" {
		t.Errorf("check_in = %+v", cfg.Agent.CheckIn)
	}
	if cfg.Store.Path != "/tmp/houston-test.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/houston.yaml"); err == nil {
		t.Fatal("Load() error = nil, want failure")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "providers: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() error = nil, want parse failure")
	}
}

func TestDefaultReadsEnvKeys(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	cfg := Default()
	if cfg.Providers.Anthropic.APIKey != "sk-env" {
		t.Errorf("api_key = %q, want env fallback", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Agent.ID != "houston" {
		t.Errorf("agent id = %q", cfg.Agent.ID)
	}
}
