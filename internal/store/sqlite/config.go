package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

func (s *Store) GetAgentOverride(ctx context.Context, platform string) (*store.AgentOverride, error) {
	var (
		ov       store.AgentOverride
		keywords string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT platform, provider, model, system_prompt, context_messages,
		        rate_per_conversation_hour, global_per_minute, escalation_keywords,
		        queue_item_ttl_seconds, dispatch_max_attempts, updated_at
		 FROM agent_overrides WHERE platform = ?`, platform).
		Scan(&ov.Platform, &ov.Provider, &ov.Model, &ov.SystemPrompt, &ov.ContextMessages,
			&ov.RatePerConversationHour, &ov.GlobalPerMinute, &keywords,
			&ov.QueueItemTTLSeconds, &ov.DispatchMaxAttempts, &ov.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent override: %w", err)
	}
	if err := json.Unmarshal([]byte(keywords), &ov.EscalationKeywords); err != nil {
		return nil, fmt.Errorf("decoding escalation keywords: %w", err)
	}
	return &ov, nil
}

func (s *Store) PutAgentOverride(ctx context.Context, ov *store.AgentOverride) error {
	keywords, err := json.Marshal(ov.EscalationKeywords)
	if err != nil {
		return fmt.Errorf("encoding escalation keywords: %w", err)
	}
	ov.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_overrides (platform, provider, model, system_prompt, context_messages,
		     rate_per_conversation_hour, global_per_minute, escalation_keywords,
		     queue_item_ttl_seconds, dispatch_max_attempts, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (platform) DO UPDATE SET
		     provider = excluded.provider,
		     model = excluded.model,
		     system_prompt = excluded.system_prompt,
		     context_messages = excluded.context_messages,
		     rate_per_conversation_hour = excluded.rate_per_conversation_hour,
		     global_per_minute = excluded.global_per_minute,
		     escalation_keywords = excluded.escalation_keywords,
		     queue_item_ttl_seconds = excluded.queue_item_ttl_seconds,
		     dispatch_max_attempts = excluded.dispatch_max_attempts,
		     updated_at = excluded.updated_at`,
		ov.Platform, ov.Provider, ov.Model, ov.SystemPrompt, ov.ContextMessages,
		ov.RatePerConversationHour, ov.GlobalPerMinute, string(keywords),
		ov.QueueItemTTLSeconds, ov.DispatchMaxAttempts, ov.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving agent override: %w", err)
	}
	return nil
}
