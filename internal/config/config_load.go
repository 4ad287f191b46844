package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Default values applied when the config file leaves fields unset.
const (
	DefaultHost                    = "127.0.0.1"
	DefaultPort                    = 8790
	DefaultProviderName            = "openai"
	DefaultModel                   = "gpt-4o-mini"
	DefaultContextMessages         = 20
	DefaultRatePerConversationHour = 10
	DefaultGlobalPerMinute         = 60
	DefaultGlobalBurst             = 10
	DefaultDispatchMaxAttempts     = 3
	DefaultWebhookRateMax          = 120
)

// Load reads the config file at path, applies defaults and environment
// secrets, and validates the result. A missing file yields pure defaults.
// Unknown fields are rejected at this boundary, not inside the pipeline.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = DefaultHost
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultPort
	}
	if cfg.Gateway.WebhookRateMax == 0 {
		cfg.Gateway.WebhookRateMax = DefaultWebhookRateMax
	}
	if cfg.Gateway.WebhookRateWindow == "" {
		cfg.Gateway.WebhookRateWindow = "60s"
	}

	d := &cfg.Agents.Defaults
	if d.Provider == "" {
		d.Provider = DefaultProviderName
	}
	if d.Model == "" {
		d.Model = DefaultModel
	}
	if d.ContextMessages == 0 {
		d.ContextMessages = DefaultContextMessages
	}
	if d.RatePerConversationHour == 0 {
		d.RatePerConversationHour = DefaultRatePerConversationHour
	}
	if d.GlobalPerMinute == 0 {
		d.GlobalPerMinute = DefaultGlobalPerMinute
	}
	if d.GlobalBurst == 0 {
		d.GlobalBurst = DefaultGlobalBurst
	}
	if d.QueueItemTTL == "" {
		d.QueueItemTTL = "30m"
	}
	if d.DispatchMaxAttempts == 0 {
		d.DispatchMaxAttempts = DefaultDispatchMaxAttempts
	}
	if d.DispatchBaseDelay == "" {
		d.DispatchBaseDelay = "500ms"
	}
	if d.DispatchMaxDelay == "" {
		d.DispatchMaxDelay = "10s"
	}
	if d.GenerationTimeout == "" {
		d.GenerationTimeout = "30s"
	}

	if cfg.Providers.Name == "" {
		cfg.Providers.Name = DefaultProviderName
	}
	if cfg.Providers.DefaultModel == "" {
		cfg.Providers.DefaultModel = cfg.Agents.Defaults.Model
	}

	if cfg.Database.Mode == "" {
		cfg.Database.Mode = "standalone"
	}
	if cfg.Database.DataDir == "" {
		cfg.Database.DataDir = defaultDataDir()
	}

	if cfg.Events.Exchange == "" {
		cfg.Events.Exchange = "replydesk.events"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "replydesk-gateway"
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".replydesk"
	}
	return home + "/.replydesk"
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REPLYDESK_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("REPLYDESK_POSTGRES_DSN"); v != "" {
		cfg.Database.PostgresDSN = v
	}
	if v := os.Getenv("REPLYDESK_PROVIDER_API_KEY"); v != "" {
		cfg.Providers.APIKey = v
	}
	if v := os.Getenv("REPLYDESK_AMQP_URL"); v != "" {
		cfg.Events.URL = v
	}
	if cfg.Channels.Viber != nil {
		if v := os.Getenv("REPLYDESK_VIBER_TOKEN"); v != "" {
			cfg.Channels.Viber.AuthToken = v
		}
	}
	if cfg.Channels.Telegram != nil {
		if v := os.Getenv("REPLYDESK_TELEGRAM_TOKEN"); v != "" {
			cfg.Channels.Telegram.Token = v
		}
		if v := os.Getenv("REPLYDESK_TELEGRAM_SECRET"); v != "" {
			cfg.Channels.Telegram.SecretToken = v
		}
	}
}

// Validate rejects malformed configuration at the administrative boundary.
// Also used by the gateway's config PUT handler.
func Validate(cfg *Config) error {
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("config: invalid gateway port %d", cfg.Gateway.Port)
	}
	if cfg.Database.Mode != "standalone" && cfg.Database.Mode != "managed" {
		return fmt.Errorf("config: invalid database mode %q", cfg.Database.Mode)
	}
	if err := validateAgent("agents.defaults", cfg.Agents.Defaults); err != nil {
		return err
	}
	for platform, ac := range cfg.Agents.PerPlatform {
		if err := validateAgent("agents.per_platform."+platform, ac); err != nil {
			return err
		}
	}
	if w := cfg.Gateway.WebhookRateWindow; w != "" {
		if _, err := time.ParseDuration(w); err != nil {
			return fmt.Errorf("config: invalid webhook_rate_window %q: %w", w, err)
		}
	}
	return nil
}

func validateAgent(section string, ac AgentConfig) error {
	for name, v := range map[string]string{
		"queue_item_ttl":      ac.QueueItemTTL,
		"dispatch_base_delay": ac.DispatchBaseDelay,
		"dispatch_max_delay":  ac.DispatchMaxDelay,
		"generation_timeout":  ac.GenerationTimeout,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("config: %s.%s: invalid duration %q", section, name, v)
		}
	}
	if ac.RatePerConversationHour < 0 || ac.GlobalPerMinute < 0 || ac.DispatchMaxAttempts < 0 {
		return fmt.Errorf("config: %s: rate caps and attempt counts must not be negative", section)
	}
	return nil
}
