package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// ListEscalated returns conversations waiting on a human.
func (o *Orchestrator) ListEscalated(ctx context.Context) ([]*store.Conversation, error) {
	return o.store.ListEscalated(ctx)
}

// Resolve returns an escalated conversation to the automated flow.
func (o *Orchestrator) Resolve(ctx context.Context, conversationID uuid.UUID) error {
	unlock := o.locks.Lock(conversationID)
	defer unlock()

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status == store.StatusClosed {
		return ErrConversationClosed
	}
	if conv.Status != store.StatusEscalated {
		return nil
	}

	conv.Status = store.StatusActive
	conv.State = store.StateIdle
	conv.EscalationReason = ""
	if err := o.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}

	slog.Info("pipeline.resolved", "conversation_id", conversationID)
	o.events.Broadcast(bus.Event{Name: bus.EventConversationResolved, Payload: map[string]any{
		"conversation_id": conversationID,
	}})
	return nil
}

// Trust marks the conversation for auto-approval of future drafts.
func (o *Orchestrator) Trust(ctx context.Context, conversationID uuid.UUID, trusted bool) error {
	unlock := o.locks.Lock(conversationID)
	defer unlock()

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status == store.StatusClosed {
		return ErrConversationClosed
	}
	if conv.Trusted == trusted {
		return nil
	}

	conv.Trusted = trusted
	if err := o.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("update trusted flag: %w", err)
	}
	slog.Info("pipeline.trust_changed", "conversation_id", conversationID, "trusted", trusted)
	return nil
}
