package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envConfigPath        = "REPLYBOT_CONFIG"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
	envRedisAddr         = "REPLYBOT_REDIS_ADDR"
	envWhatsAppBridgeURL = "WHATSAPP_BRIDGE_URL"
)

const (
	DefaultTopK                 = 4
	DefaultMaxConversationTurns = 10
	DefaultMaxDeliveryAttempts  = 3
	DefaultBackoffBaseMs        = 500
	DefaultBackoffCapMs         = 4000
	DefaultPipelineTimeoutMs    = 30000
	DefaultRetrievalTimeoutMs   = 3000
	DefaultGenerationTimeoutMs  = 15000
	DefaultDeliveryTimeoutMs    = 5000
	DefaultContextCharBudget    = 2000
	DefaultDedupeRetentionHours = 24
	DefaultWorkers              = 4
	DefaultCountryCode          = "52"
	DefaultTemperature          = 0.2
	DefaultFallbackReplyText    = "Sorry, I can't answer right now. Please contact our team directly and a person will get back to you."
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Pipeline   PipelineConfig   `json:"pipeline"`
	Generation GenerationConfig `json:"generation"`
	Providers  ProvidersConfig  `json:"providers"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Cache      CacheConfig      `json:"cache"`
	Dedupe     DedupeConfig     `json:"dedupe"`
	Channels   ChannelsConfig   `json:"channels"`
	Gateway    GatewayConfig    `json:"gateway"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// PipelineConfig holds the per-event processing knobs.
type PipelineConfig struct {
	TopK                 int     `json:"top_k"`
	MaxConversationTurns int     `json:"max_conversation_turns"`
	MaxConversationKeys  int     `json:"max_conversation_keys,omitempty"`
	MaxDeliveryAttempts  int     `json:"max_delivery_attempts"`
	BackoffBaseMs        int     `json:"backoff_base_ms"`
	BackoffCapMs         int     `json:"backoff_cap_ms"`
	PipelineTimeoutMs    int     `json:"pipeline_timeout_ms"`
	RetrievalTimeoutMs   int     `json:"retrieval_timeout_ms,omitempty"`
	GenerationTimeoutMs  int     `json:"generation_timeout_ms,omitempty"`
	DeliveryTimeoutMs    int     `json:"delivery_timeout_ms,omitempty"`
	ContextCharBudget    int     `json:"context_char_budget,omitempty"`
	DedupeRetentionHours int     `json:"dedupe_retention_hours,omitempty"`
	SendRatePerSecond    float64 `json:"send_rate_per_second,omitempty"`
	Workers              int     `json:"workers,omitempty"`
	RecordFallbackTurns  bool    `json:"record_fallback_turns,omitempty"`
	FallbackReplyText    string  `json:"fallback_reply_text"`
	DefaultCountryCode   string  `json:"default_country_code"`
}

// GenerationConfig selects the generation collaborator and its sampling settings.
type GenerationConfig struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenCode OpenCodeProviderConfig `json:"opencode"`
	OpenAI   OpenAIProviderConfig   `json:"openai"`
	Moonshot MoonshotProviderConfig `json:"moonshot"`
}

// OpenCodeProviderConfig configures the OpenCode provider client.
type OpenCodeProviderConfig struct {
	BaseURL               string `json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	APIKeyEnv             string `json:"api_key_env"`
	BaseURL               string `json:"base_url"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// MoonshotProviderConfig configures an OpenAI-compatible chat completions endpoint.
type MoonshotProviderConfig struct {
	APIKeyEnv string `json:"api_key_env"`
	BaseURL   string `json:"base_url"`
}

// RetrievalConfig configures the semantic search collaborator.
type RetrievalConfig struct {
	Qdrant         QdrantConfig `json:"qdrant"`
	EmbeddingModel string       `json:"embedding_model"`
}

// QdrantConfig points at the passage collection.
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	APIKeyEnv  string `json:"api_key_env"`
	UseTLS     bool   `json:"use_tls"`
	Collection string `json:"collection"`
	TextField  string `json:"text_field"`
}

// CacheConfig configures the optional durable conversation cache.
type CacheConfig struct {
	Redis RedisConfig `json:"redis"`
}

// RedisConfig is shared by the conversation cache and the redis dedupe backend.
type RedisConfig struct {
	Addr        string `json:"addr"`
	PasswordEnv string `json:"password_env"`
	DB          int    `json:"db"`
	TTLHours    int    `json:"ttl_hours"`
}

// DedupeConfig selects where delivered inbound ids are remembered.
type DedupeConfig struct {
	Backend    string `json:"backend"`
	SQLitePath string `json:"sqlite_path"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Default  string         `json:"default"`
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
}

// WhatsAppConfig configures the websocket WhatsApp bridge.
type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled"`
	BridgeURL string `json:"bridge_url"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	WebhookPath        string `json:"webhook_path"`
	WebhookSecretEnv   string `json:"webhook_secret_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	QueueSize          int    `json:"queue_size"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	// A missing .env is the common case in production.
	_ = godotenv.Load()

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills unset numeric and text options with their defaults.
func (c *Config) ApplyDefaults() {
	p := &c.Pipeline
	setDefault(&p.TopK, DefaultTopK)
	setDefault(&p.MaxDeliveryAttempts, DefaultMaxDeliveryAttempts)
	setDefault(&p.BackoffBaseMs, DefaultBackoffBaseMs)
	setDefault(&p.BackoffCapMs, DefaultBackoffCapMs)
	setDefault(&p.PipelineTimeoutMs, DefaultPipelineTimeoutMs)
	setDefault(&p.RetrievalTimeoutMs, DefaultRetrievalTimeoutMs)
	setDefault(&p.GenerationTimeoutMs, DefaultGenerationTimeoutMs)
	setDefault(&p.DeliveryTimeoutMs, DefaultDeliveryTimeoutMs)
	setDefault(&p.ContextCharBudget, DefaultContextCharBudget)
	setDefault(&p.DedupeRetentionHours, DefaultDedupeRetentionHours)
	setDefault(&p.Workers, DefaultWorkers)
	// Negative turns disable conversation memory, so only zero is defaulted.
	if p.MaxConversationTurns == 0 {
		p.MaxConversationTurns = DefaultMaxConversationTurns
	}
	if strings.TrimSpace(p.FallbackReplyText) == "" {
		p.FallbackReplyText = DefaultFallbackReplyText
	}
	if strings.TrimSpace(p.DefaultCountryCode) == "" {
		p.DefaultCountryCode = DefaultCountryCode
	}

	// Only an absent temperature is defaulted; 0 is a valid setting.
	if c.Generation.Temperature == nil {
		temperature := DefaultTemperature
		c.Generation.Temperature = &temperature
	}
	if strings.TrimSpace(c.Dedupe.Backend) == "" {
		c.Dedupe.Backend = "memory"
	}
	if strings.TrimSpace(c.Retrieval.Qdrant.TextField) == "" {
		c.Retrieval.Qdrant.TextField = "text"
	}
}

// Validate rejects option combinations the pipeline cannot run with.
func (c *Config) Validate() error {
	p := c.Pipeline
	var errs []error
	if p.BackoffCapMs < p.BackoffBaseMs {
		errs = append(errs, fmt.Errorf("pipeline.backoff_cap_ms (%d) must be >= backoff_base_ms (%d)", p.BackoffCapMs, p.BackoffBaseMs))
	}
	if strings.Trim(p.DefaultCountryCode, "0123456789") != "" {
		errs = append(errs, fmt.Errorf("pipeline.default_country_code must be digits, got %q", p.DefaultCountryCode))
	}
	if t := c.Generation.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("generation.temperature must be between 0 and 2, got %v", *t))
	}
	switch c.Dedupe.Backend {
	case "memory", "redis":
	case "sqlite":
		if strings.TrimSpace(c.Dedupe.SQLitePath) == "" {
			errs = append(errs, errors.New("dedupe.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported dedupe backend %q", c.Dedupe.Backend))
	}
	if c.Dedupe.Backend == "redis" && strings.TrimSpace(c.Cache.Redis.Addr) == "" {
		errs = append(errs, errors.New("cache.redis.addr is required for the redis dedupe backend"))
	}

	return errors.Join(errs...)
}

// Duration helpers keep millisecond fields readable at call sites.

func (p PipelineConfig) PipelineTimeout() time.Duration {
	return time.Duration(p.PipelineTimeoutMs) * time.Millisecond
}

func (p PipelineConfig) RetrievalTimeout() time.Duration {
	return time.Duration(p.RetrievalTimeoutMs) * time.Millisecond
}

func (p PipelineConfig) GenerationTimeout() time.Duration {
	return time.Duration(p.GenerationTimeoutMs) * time.Millisecond
}

func (p PipelineConfig) DeliveryTimeout() time.Duration {
	return time.Duration(p.DeliveryTimeoutMs) * time.Millisecond
}

func (p PipelineConfig) BackoffBase() time.Duration {
	return time.Duration(p.BackoffBaseMs) * time.Millisecond
}

func (p PipelineConfig) BackoffCap() time.Duration {
	return time.Duration(p.BackoffCapMs) * time.Millisecond
}

func (p PipelineConfig) DedupeRetention() time.Duration {
	return time.Duration(p.DedupeRetentionHours) * time.Hour
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if addr := strings.TrimSpace(os.Getenv(envRedisAddr)); addr != "" {
		cfg.Cache.Redis.Addr = addr
	}

	if bridgeURL := strings.TrimSpace(os.Getenv(envWhatsAppBridgeURL)); bridgeURL != "" {
		cfg.Channels.WhatsApp.BridgeURL = bridgeURL
	}
}

func setDefault(field *int, value int) {
	if *field <= 0 {
		*field = value
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is REPLYBOT_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
