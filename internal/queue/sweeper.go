package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// RunSweeper expires overdue pending items on a fixed interval until the
// context is cancelled. Conversations whose item expired go back to idle so
// the next inbound message starts a fresh draft.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	expired, err := s.store.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("queue.sweep_failed", "error", err)
		return
	}

	for _, item := range expired {
		if err := s.transition(ctx, item.ConversationID, func(conv *store.Conversation) {
			if conv.State == store.StateAwaitingApproval {
				conv.State = store.StateIdle
			}
		}); err != nil {
			slog.Error("queue.expire_transition_failed", "conversation_id", item.ConversationID, "error", err)
		}

		slog.Info("queue.expired", "item_id", item.ID, "conversation_id", item.ConversationID)
		s.events.Broadcast(bus.Event{Name: bus.EventQueueExpired, Payload: map[string]any{
			"conversation_id": item.ConversationID,
			"item_id":         item.ID,
		}})
	}
}
