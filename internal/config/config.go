// Package config loads and watches the Agenda configuration. Settings come
// from config.yaml under the home directory, with environment variables
// taking precedence for credentials and a few operational knobs.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
	Models  []string `yaml:"models"`   // user-added models (merged with built-ins)
}

// LLMConfig holds configuration for the oracle providers.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai",
	// "openai_compatible", "openrouter".
	Provider string `yaml:"provider"`

	GeminiModel    string `yaml:"gemini_model"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"` // provider name for model prefix
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"` // e.g. https://api.openai.com/v1
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// ChannelsConfig groups the messaging channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelemetryConfig configures the OpenTelemetry export pipeline.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// DigestConfig tunes the digest scheduler.
type DigestConfig struct {
	// TickSeconds is the scheduler poll interval. Default 60.
	TickSeconds int `yaml:"tick_seconds"`
	// DefaultWindowDays is the agenda window a digest summarizes when the
	// schedule itself does not say. Default 1.
	DefaultWindowDays int `yaml:"default_window_days"`
}

// Config is the loaded Agenda configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	// DBPath overrides the default SQLite location (<home>/agenda.db).
	DBPath string `yaml:"db_path"`

	// DefaultTimezone is the IANA zone used for sessions without a stored
	// preference. Default "UTC".
	DefaultTimezone string `yaml:"default_timezone"`
	// DefaultLanguage is the reply language for sessions without a stored
	// preference. Default "en".
	DefaultLanguage string `yaml:"default_language"`

	LLM LLMConfig `yaml:"llm"`

	// Providers holds per-provider configuration (API keys, custom endpoints, extra models).
	Providers map[string]ProviderConfig `yaml:"providers"`

	Channels  ChannelsConfig  `yaml:"channels"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Digest    DigestConfig    `yaml:"digest"`
}

// LLMProviderAPIKey returns the API key for the specified LLM provider.
// Env vars take precedence: GEMINI_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY,
// OPENROUTER_API_KEY.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GEMINI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLMConfig returns the effective oracle configuration.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}

	switch provider {
	case "anthropic":
		model = c.LLM.AnthropicModel
	case "openai", "openai_compatible", "openrouter":
		model = c.LLM.OpenAIModel
	case "google":
		model = c.LLM.GeminiModel
	}

	apiKey = c.LLMProviderAPIKey(provider)
	return provider, model, apiKey
}

// ResolvedDBPath returns the SQLite path, defaulting under the home directory.
func (c Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "agenda.db")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetModel updates the oracle provider and model in config.yaml, preserving other settings.
func SetModel(homeDir, provider, model string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	llm, _ := raw["llm"].(map[string]interface{})
	if llm == nil {
		llm = make(map[string]interface{})
	}
	llm["provider"] = provider
	switch provider {
	case "anthropic":
		llm["anthropic_model"] = model
	case "openai", "openai_compatible", "openrouter":
		llm["openai_model"] = model
	default:
		llm["gemini_model"] = model
	}
	raw["llm"] = llm
	return saveRawConfig(configPath, raw)
}

// SetProviderAPIKey updates a provider's API key in config.yaml, preserving other settings.
func SetProviderAPIKey(homeDir, provider, value string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	providers, _ := raw["providers"].(map[string]interface{})
	if providers == nil {
		providers = make(map[string]interface{})
	}
	entry, _ := providers[provider].(map[string]interface{})
	if entry == nil {
		entry = make(map[string]interface{})
	}
	entry["api_key"] = value
	providers[provider] = entry
	raw["providers"] = providers
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|db=%s|tz=%s|lang=%s|provider=%s|tick=%d",
		c.LogLevel, c.DBPath, c.DefaultTimezone, c.DefaultLanguage, c.LLM.Provider, c.Digest.TickSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:        "info",
		DefaultTimezone: "UTC",
		DefaultLanguage: "en",
		LLM:             LLMConfig{Provider: "google"},
		Digest: DigestConfig{
			TickSeconds:       60,
			DefaultWindowDays: 1,
		},
	}
}

// HomeDir returns the Agenda data directory, honoring AGENDA_HOME.
func HomeDir() string {
	if override := os.Getenv("AGENDA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agenda")
}

// Load reads config.yaml, applies env overrides and normalizes defaults.
// A missing config.yaml is not an error; defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agenda home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DefaultTimezone) == "" {
		cfg.DefaultTimezone = "UTC"
	}
	if strings.TrimSpace(cfg.DefaultLanguage) == "" {
		cfg.DefaultLanguage = "en"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	// Normalize legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.Digest.TickSeconds <= 0 {
		cfg.Digest.TickSeconds = 60
	}
	if cfg.Digest.DefaultWindowDays <= 0 {
		cfg.Digest.DefaultWindowDays = 1
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENDA_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENDA_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("AGENDA_TIMEZONE"); raw != "" {
		cfg.DefaultTimezone = raw
	}
	if raw := os.Getenv("AGENDA_LANGUAGE"); raw != "" {
		cfg.DefaultLanguage = raw
	}
	if raw := os.Getenv("AGENDA_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("GEMINI_MODEL"); raw != "" {
		cfg.LLM.GeminiModel = raw
	}
	if raw := os.Getenv("AGENDA_DIGEST_TICK_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Digest.TickSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
