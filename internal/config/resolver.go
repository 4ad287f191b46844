package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// OverrideSource supplies operator-edited overrides. Satisfied by store.Store.
type OverrideSource interface {
	GetAgentOverride(ctx context.Context, platform string) (*store.AgentOverride, error)
}

// Resolver produces the effective agent config for a platform at decision
// time: file defaults, then the per-platform file section, then the stored
// operator override. Nothing is cached, so an operator change takes effect
// on the next inbound event.
type Resolver struct {
	cfg       *Config
	overrides OverrideSource
}

// NewResolver creates a Resolver. overrides may be nil (file config only).
func NewResolver(cfg *Config, overrides OverrideSource) *Resolver {
	return &Resolver{cfg: cfg, overrides: overrides}
}

// Resolve returns the effective agent config for the platform.
// Override read failures are logged and degrade to file config: a stale rate
// cap beats refusing the inbound message.
func (r *Resolver) Resolve(ctx context.Context, platform string) AgentConfig {
	merged := r.cfg.AgentConfigFor(platform)
	if r.overrides == nil {
		return merged
	}

	ov, err := r.overrides.GetAgentOverride(ctx, platform)
	if err != nil {
		slog.Warn("config.override_read_failed", "platform", platform, "error", err)
		return merged
	}
	if ov == nil {
		return merged
	}

	if ov.Provider != "" {
		merged.Provider = ov.Provider
	}
	if ov.Model != "" {
		merged.Model = ov.Model
	}
	if ov.SystemPrompt != "" {
		merged.SystemPrompt = ov.SystemPrompt
	}
	if ov.ContextMessages > 0 {
		merged.ContextMessages = ov.ContextMessages
	}
	if ov.RatePerConversationHour > 0 {
		merged.RatePerConversationHour = ov.RatePerConversationHour
	}
	if ov.GlobalPerMinute > 0 {
		merged.GlobalPerMinute = ov.GlobalPerMinute
	}
	if ov.EscalationKeywords != nil {
		merged.EscalationKeywords = ov.EscalationKeywords
	}
	if ov.QueueItemTTLSeconds > 0 {
		merged.QueueItemTTL = fmt.Sprintf("%ds", ov.QueueItemTTLSeconds)
	}
	if ov.DispatchMaxAttempts > 0 {
		merged.DispatchMaxAttempts = ov.DispatchMaxAttempts
	}
	return merged
}
