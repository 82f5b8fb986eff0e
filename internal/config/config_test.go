package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENDA_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.DefaultTimezone != "UTC" {
		t.Errorf("DefaultTimezone = %q, want UTC", cfg.DefaultTimezone)
	}
	if cfg.DefaultLanguage != "en" {
		t.Errorf("DefaultLanguage = %q, want en", cfg.DefaultLanguage)
	}
	if cfg.LLM.Provider != "google" {
		t.Errorf("LLM.Provider = %q, want google", cfg.LLM.Provider)
	}
	if cfg.Digest.TickSeconds != 60 {
		t.Errorf("Digest.TickSeconds = %d, want 60", cfg.Digest.TickSeconds)
	}
}

func TestLoadFromYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENDA_HOME", home)

	body := `
log_level: debug
default_timezone: Europe/Berlin
llm:
  provider: anthropic
  anthropic_model: claude-sonnet-4-5
channels:
  telegram:
    enabled: true
    allowed_ids: [42]
digest:
  tick_seconds: 30
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.DefaultTimezone != "Europe/Berlin" {
		t.Errorf("DefaultTimezone = %q", cfg.DefaultTimezone)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("LLM.Provider = %q", cfg.LLM.Provider)
	}
	if !cfg.Channels.Telegram.Enabled || len(cfg.Channels.Telegram.AllowedIDs) != 1 {
		t.Errorf("telegram config not parsed: %+v", cfg.Channels.Telegram)
	}
	if cfg.Digest.TickSeconds != 30 {
		t.Errorf("Digest.TickSeconds = %d", cfg.Digest.TickSeconds)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENDA_HOME", t.TempDir())
	t.Setenv("AGENDA_LOG_LEVEL", "warn")
	t.Setenv("AGENDA_TIMEZONE", "America/New_York")
	t.Setenv("TELEGRAM_TOKEN", "123:token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.DefaultTimezone != "America/New_York" {
		t.Errorf("DefaultTimezone = %q", cfg.DefaultTimezone)
	}
	if cfg.Channels.Telegram.Token != "123:token" {
		t.Errorf("telegram token not overridden")
	}
}

func TestResolveLLMConfig(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	cfg := Config{
		LLM: LLMConfig{Provider: "anthropic", AnthropicModel: "claude-sonnet-4-5"},
	}
	provider, model, apiKey := cfg.ResolveLLMConfig()
	if provider != "anthropic" || model != "claude-sonnet-4-5" || apiKey != "env-key" {
		t.Fatalf("got %q %q %q", provider, model, apiKey)
	}
}

func TestLegacyGeminiProviderName(t *testing.T) {
	cfg := Config{LLM: LLMConfig{Provider: "gemini"}}
	normalize(&cfg)
	if cfg.LLM.Provider != "google" {
		t.Fatalf("provider = %q, want google", cfg.LLM.Provider)
	}
}

func TestResolvedDBPath(t *testing.T) {
	cfg := Config{HomeDir: "/data"}
	if got := cfg.ResolvedDBPath(); got != filepath.Join("/data", "agenda.db") {
		t.Errorf("default path = %q", got)
	}
	cfg.DBPath = "/tmp/custom.db"
	if got := cfg.ResolvedDBPath(); got != "/tmp/custom.db" {
		t.Errorf("override path = %q", got)
	}
}

func TestSetModelRoundTrip(t *testing.T) {
	home := t.TempDir()
	if err := SetModel(home, "openai", "gpt-4o"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}

	data, err := os.ReadFile(ConfigPath(home))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.OpenAIModel != "gpt-4o" {
		t.Fatalf("round trip lost model: %+v", cfg.LLM)
	}
}

func TestSetProviderAPIKeyPreservesOtherSettings(t *testing.T) {
	home := t.TempDir()
	initial := "log_level: debug\n"
	if err := os.WriteFile(ConfigPath(home), []byte(initial), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := SetProviderAPIKey(home, "google", "key-1"); err != nil {
		t.Fatalf("SetProviderAPIKey: %v", err)
	}

	data, err := os.ReadFile(ConfigPath(home))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level lost on key write")
	}
	if cfg.Providers["google"].APIKey != "key-1" {
		t.Errorf("api key not written: %+v", cfg.Providers)
	}
}

func TestFingerprintChangesWithConfig(t *testing.T) {
	a := Config{LogLevel: "info"}
	b := Config{LogLevel: "debug"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprints should differ")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("fingerprint should be stable")
	}
}
