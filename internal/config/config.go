// Package config holds the typed configuration for the ReplyDesk gateway.
// Configuration is a single JSON file with defaults applied at load time.
// Secrets (tokens, DSNs, API keys) are read from the environment only and
// never persisted back to the file.
package config

import (
	"sync"
	"time"
)

// Config is the root configuration.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Events    EventsConfig    `json:"events,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the HTTP listener and operator API.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"` // from env REPLYDESK_GATEWAY_TOKEN only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// Webhook burst protection (per remote address, sliding window).
	WebhookRateWindow string `json:"webhook_rate_window,omitempty"` // default "60s"
	WebhookRateMax    int    `json:"webhook_rate_max,omitempty"`    // default 120
}

// AgentsConfig contains the pipeline defaults and per-platform overrides.
type AgentsConfig struct {
	Defaults    AgentConfig            `json:"defaults"`
	PerPlatform map[string]AgentConfig `json:"per_platform,omitempty"`
}

// AgentConfig is the per-platform pipeline configuration, read at decision
// time. Zero values in PerPlatform entries mean "inherit from defaults".
type AgentConfig struct {
	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
	ContextMessages int    `json:"context_messages,omitempty"` // bounded history window for drafting

	RatePerConversationHour int `json:"rate_per_conversation_hour,omitempty"`
	GlobalPerMinute         int `json:"global_per_minute,omitempty"`
	GlobalBurst             int `json:"global_burst,omitempty"`

	EscalationKeywords []string `json:"escalation_keywords,omitempty"`

	QueueItemTTL        string `json:"queue_item_ttl,omitempty"` // Go duration, default "30m"
	DispatchMaxAttempts int    `json:"dispatch_max_attempts,omitempty"`
	DispatchBaseDelay   string `json:"dispatch_base_delay,omitempty"` // default "500ms"
	DispatchMaxDelay    string `json:"dispatch_max_delay,omitempty"`  // default "10s"
	GenerationTimeout   string `json:"generation_timeout,omitempty"`  // default "30s"
}

// QueueItemTTLDuration parses QueueItemTTL, falling back to the default.
func (a AgentConfig) QueueItemTTLDuration() time.Duration {
	return parseDuration(a.QueueItemTTL, 30*time.Minute)
}

// DispatchBaseDelayDuration parses DispatchBaseDelay with its default.
func (a AgentConfig) DispatchBaseDelayDuration() time.Duration {
	return parseDuration(a.DispatchBaseDelay, 500*time.Millisecond)
}

// DispatchMaxDelayDuration parses DispatchMaxDelay with its default.
func (a AgentConfig) DispatchMaxDelayDuration() time.Duration {
	return parseDuration(a.DispatchMaxDelay, 10*time.Second)
}

// GenerationTimeoutDuration parses GenerationTimeout with its default.
func (a AgentConfig) GenerationTimeoutDuration() time.Duration {
	return parseDuration(a.GenerationTimeout, 30*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ChannelsConfig configures platform adapters. A platform is enabled when its
// section is present and Enabled is not false.
type ChannelsConfig struct {
	Viber    *ViberConfig    `json:"viber,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// ViberConfig configures the Viber adapter.
type ViberConfig struct {
	Enabled    bool   `json:"enabled"`
	AuthToken  string `json:"-"` // from env REPLYDESK_VIBER_TOKEN only
	SenderName string `json:"sender_name,omitempty"`
	APIBase    string `json:"api_base,omitempty"` // override for tests
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"-"` // from env REPLYDESK_TELEGRAM_TOKEN only
	SecretToken string `json:"-"` // from env REPLYDESK_TELEGRAM_SECRET only
}

// ProvidersConfig configures the AI completion service.
type ProvidersConfig struct {
	Name         string `json:"name,omitempty"`     // provider label, default "openai"
	APIBase      string `json:"api_base,omitempty"` // OpenAI-compatible endpoint
	APIKey       string `json:"-"`                  // from env REPLYDESK_PROVIDER_API_KEY only
	DefaultModel string `json:"default_model,omitempty"`
}

// DatabaseConfig selects the store backend.
// PostgresDSN is never read from config.json — only from env REPLYDESK_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"`     // "standalone" (default) or "managed"
	DataDir     string `json:"data_dir,omitempty"` // sqlite directory for standalone mode
	PostgresDSN string `json:"-"`
}

// IsManagedMode reports whether the gateway runs against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// EventsConfig configures the AMQP audit publisher. When URL is unset the
// gateway falls back to log-only publishing.
type EventsConfig struct {
	URL      string `json:"-"` // from env REPLYDESK_AMQP_URL only
	Exchange string `json:"exchange,omitempty"`
}

// TelemetryConfig configures OTLP trace export for the inbound pipeline.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // OTLP HTTP endpoint
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "replydesk-gateway"
	Headers     map[string]string `json:"headers,omitempty"`
}

// AgentDefaults returns the configured defaults under the read lock.
func (c *Config) AgentDefaults() AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Agents.Defaults
}

// AgentConfigFor returns the effective file-level agent config for a
// platform: defaults overlaid with the per-platform section. Store-level
// operator overrides are applied on top by config.Resolver.
func (c *Config) AgentConfigFor(platform string) AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	merged := c.Agents.Defaults
	override, ok := c.Agents.PerPlatform[platform]
	if !ok {
		return merged
	}
	if override.Provider != "" {
		merged.Provider = override.Provider
	}
	if override.Model != "" {
		merged.Model = override.Model
	}
	if override.SystemPrompt != "" {
		merged.SystemPrompt = override.SystemPrompt
	}
	if override.ContextMessages > 0 {
		merged.ContextMessages = override.ContextMessages
	}
	if override.RatePerConversationHour > 0 {
		merged.RatePerConversationHour = override.RatePerConversationHour
	}
	if override.GlobalPerMinute > 0 {
		merged.GlobalPerMinute = override.GlobalPerMinute
	}
	if override.GlobalBurst > 0 {
		merged.GlobalBurst = override.GlobalBurst
	}
	if override.EscalationKeywords != nil {
		merged.EscalationKeywords = override.EscalationKeywords
	}
	if override.QueueItemTTL != "" {
		merged.QueueItemTTL = override.QueueItemTTL
	}
	if override.DispatchMaxAttempts > 0 {
		merged.DispatchMaxAttempts = override.DispatchMaxAttempts
	}
	if override.DispatchBaseDelay != "" {
		merged.DispatchBaseDelay = override.DispatchBaseDelay
	}
	if override.DispatchMaxDelay != "" {
		merged.DispatchMaxDelay = override.DispatchMaxDelay
	}
	if override.GenerationTimeout != "" {
		merged.GenerationTimeout = override.GenerationTimeout
	}
	return merged
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Database = src.Database
	c.Events = src.Events
	c.Telemetry = src.Telemetry
}
