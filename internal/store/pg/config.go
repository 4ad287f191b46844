package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

func (s *Store) GetAgentOverride(ctx context.Context, platform string) (*store.AgentOverride, error) {
	var ov store.AgentOverride
	err := s.db.QueryRowContext(ctx,
		`SELECT platform, provider, model, system_prompt, context_messages,
		        rate_per_conversation_hour, global_per_minute, escalation_keywords,
		        queue_item_ttl_seconds, dispatch_max_attempts, updated_at
		 FROM agent_overrides WHERE platform = $1`, platform).
		Scan(&ov.Platform, &ov.Provider, &ov.Model, &ov.SystemPrompt, &ov.ContextMessages,
			&ov.RatePerConversationHour, &ov.GlobalPerMinute, pq.Array(&ov.EscalationKeywords),
			&ov.QueueItemTTLSeconds, &ov.DispatchMaxAttempts, &ov.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent override: %w", err)
	}
	return &ov, nil
}

func (s *Store) PutAgentOverride(ctx context.Context, ov *store.AgentOverride) error {
	ov.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_overrides (platform, provider, model, system_prompt, context_messages,
		     rate_per_conversation_hour, global_per_minute, escalation_keywords,
		     queue_item_ttl_seconds, dispatch_max_attempts, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (platform) DO UPDATE SET
		     provider = EXCLUDED.provider,
		     model = EXCLUDED.model,
		     system_prompt = EXCLUDED.system_prompt,
		     context_messages = EXCLUDED.context_messages,
		     rate_per_conversation_hour = EXCLUDED.rate_per_conversation_hour,
		     global_per_minute = EXCLUDED.global_per_minute,
		     escalation_keywords = EXCLUDED.escalation_keywords,
		     queue_item_ttl_seconds = EXCLUDED.queue_item_ttl_seconds,
		     dispatch_max_attempts = EXCLUDED.dispatch_max_attempts,
		     updated_at = EXCLUDED.updated_at`,
		ov.Platform, ov.Provider, ov.Model, ov.SystemPrompt, ov.ContextMessages,
		ov.RatePerConversationHour, ov.GlobalPerMinute, pq.Array(ov.EscalationKeywords),
		ov.QueueItemTTLSeconds, ov.DispatchMaxAttempts, ov.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving agent override: %w", err)
	}
	return nil
}
