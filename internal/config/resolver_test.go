package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

type stubOverrides struct {
	ov  *store.AgentOverride
	err error
}

func (s stubOverrides) GetAgentOverride(context.Context, string) (*store.AgentOverride, error) {
	return s.ov, s.err
}

func baseConfig() *Config {
	cfg := &Config{}
	cfg.Agents.Defaults = AgentConfig{
		Model:                   "file-model",
		RatePerConversationHour: 5,
		QueueItemTTL:            "30m",
	}
	return cfg
}

func TestResolveAppliesStoreOverride(t *testing.T) {
	r := NewResolver(baseConfig(), stubOverrides{ov: &store.AgentOverride{
		Platform:            "viber",
		Model:               "operator-model",
		QueueItemTTLSeconds: 120,
	}})

	got := r.Resolve(context.Background(), "viber")
	if got.Model != "operator-model" {
		t.Fatalf("expected operator model, got %s", got.Model)
	}
	if got.RatePerConversationHour != 5 {
		t.Fatalf("unset override field must inherit, got %d", got.RatePerConversationHour)
	}
	if got.QueueItemTTLDuration() != 2*time.Minute {
		t.Fatalf("expected 2m ttl from override, got %v", got.QueueItemTTLDuration())
	}
}

func TestResolveDegradesOnStoreFailure(t *testing.T) {
	r := NewResolver(baseConfig(), stubOverrides{err: errors.New("db down")})
	got := r.Resolve(context.Background(), "viber")
	if got.Model != "file-model" {
		t.Fatalf("expected file config on store failure, got %s", got.Model)
	}
}

func TestResolveWithoutOverrideSource(t *testing.T) {
	r := NewResolver(baseConfig(), nil)
	got := r.Resolve(context.Background(), "viber")
	if got.Model != "file-model" {
		t.Fatalf("expected file config, got %s", got.Model)
	}
}
