// Package queue implements the approval queue: drafts wait here for an
// operator decision. At most one pending item exists per conversation; a
// newer draft supersedes the older one atomically in the store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/dispatch"
	"github.com/nextlevelbuilder/replydesk/internal/locks"
	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// ErrAlreadyResolved is returned by Approve/Reject when the item was already
// approved, rejected, expired or superseded. Callers treat it as a benign
// no-op: exactly one decision wins.
var ErrAlreadyResolved = errors.New("queue: item already resolved")

// Service manages queue item lifecycle and the approve/reject handoff to the
// dispatcher.
type Service struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	resolver   *config.Resolver
	locks      *locks.Table
	events     bus.EventPublisher
}

// New creates the approval queue service.
func New(st store.Store, d *dispatch.Dispatcher, resolver *config.Resolver, lt *locks.Table, events bus.EventPublisher) *Service {
	return &Service{store: st, dispatcher: d, resolver: resolver, locks: lt, events: events}
}

// Enqueue inserts a pending item for the conversation, superseding any
// existing pending one. Must be called with the conversation lock held.
func (s *Service) Enqueue(ctx context.Context, conv *store.Conversation, draftText string, cfg config.AgentConfig) (*store.QueueItem, error) {
	now := time.Now().UTC()
	item := &store.QueueItem{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: conv.ID,
		Platform:       conv.Platform,
		Draft:          draftText,
		GeneratedAt:    now,
		ExpiresAt:      now.Add(cfg.QueueItemTTLDuration()),
		State:          store.QueuePending,
	}

	superseded, err := s.store.InsertQueueItemSuperseding(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("enqueue draft: %w", err)
	}

	if superseded != nil {
		slog.Info("queue.superseded", "conversation_id", conv.ID, "old_item", superseded.ID, "new_item", item.ID)
		s.events.Broadcast(bus.Event{Name: bus.EventQueueSuperseded, Payload: map[string]any{
			"conversation_id": conv.ID,
			"superseded_id":   superseded.ID,
			"item_id":         item.ID,
		}})
	}
	s.events.Broadcast(bus.Event{Name: bus.EventQueueEnqueued, Payload: map[string]any{
		"conversation_id": conv.ID,
		"item_id":         item.ID,
		"platform":        conv.Platform,
		"expires_at":      item.ExpiresAt,
	}})
	return item, nil
}

// List returns queue items, pending first.
func (s *Service) List(ctx context.Context, filter store.QueueFilter) ([]*store.QueueItem, error) {
	return s.store.ListQueueItems(ctx, filter)
}

// Approve claims the pending item, dispatches its draft (or editedText when
// non-empty) and records the outbound message. A failed dispatch rolls the
// item back to pending and escalates the conversation.
func (s *Service) Approve(ctx context.Context, itemID uuid.UUID, editedText string) error {
	item, err := s.store.GetQueueItem(ctx, itemID)
	if err != nil {
		return err
	}

	// The pending→approved transition is the claim: of two concurrent
	// approvals exactly one passes this CAS.
	if err := s.store.ResolveQueueItem(ctx, itemID, store.QueuePending, store.QueueApproved); err != nil {
		if errors.Is(err, store.ErrQueueConflict) {
			return ErrAlreadyResolved
		}
		return fmt.Errorf("claim queue item: %w", err)
	}

	text := item.Draft
	origin := store.OriginAIDraft
	if editedText != "" && editedText != item.Draft {
		text = editedText
		origin = store.OriginHumanEdited
	}

	conv, err := s.store.GetConversation(ctx, item.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation for approve: %w", err)
	}
	cfg := s.resolver.Resolve(ctx, conv.Platform)

	if err := s.transition(ctx, conv.ID, func(c *store.Conversation) {
		if c.State == store.StateAwaitingApproval {
			c.State = store.StateDispatching
		}
	}); err != nil {
		slog.Error("queue.dispatching_transition_failed", "conversation_id", conv.ID, "error", err)
	}

	// The item id doubles as the idempotency key so a retried approval of
	// the same item reuses a prior successful send.
	outcome, dispatchErr := s.dispatcher.Dispatch(ctx, dispatch.Request{
		Send: bus.OutboundSend{
			Platform:       conv.Platform,
			ExternalUserID: conv.ExternalUserID,
			Text:           text,
			IdempotencyKey: item.ID.String(),
		},
		QueueItemID:    item.ID,
		ConversationID: conv.ID,
	}, cfg)

	if dispatchErr != nil {
		return s.handleDispatchFailure(ctx, item, conv, dispatchErr)
	}

	if err := s.recordOutbound(ctx, conv.ID, text, origin, outcome.PlatformMessageID); err != nil {
		slog.Error("queue.outbound_record_failed", "conversation_id", conv.ID, "error", err)
	}

	slog.Info("queue.approved", "item_id", item.ID, "conversation_id", conv.ID, "origin", origin)
	s.events.Broadcast(bus.Event{Name: bus.EventQueueApproved, Payload: map[string]any{
		"conversation_id":     conv.ID,
		"item_id":             item.ID,
		"origin":              origin,
		"platform_message_id": outcome.PlatformMessageID,
	}})
	return nil
}

// Reject resolves the item and returns the conversation to idle.
func (s *Service) Reject(ctx context.Context, itemID uuid.UUID) error {
	item, err := s.store.GetQueueItem(ctx, itemID)
	if err != nil {
		return err
	}
	if err := s.store.ResolveQueueItem(ctx, itemID, store.QueuePending, store.QueueRejected); err != nil {
		if errors.Is(err, store.ErrQueueConflict) {
			return ErrAlreadyResolved
		}
		return fmt.Errorf("reject queue item: %w", err)
	}

	if err := s.transition(ctx, item.ConversationID, func(conv *store.Conversation) {
		if conv.State == store.StateAwaitingApproval {
			conv.State = store.StateIdle
		}
	}); err != nil {
		slog.Error("queue.reject_transition_failed", "conversation_id", item.ConversationID, "error", err)
	}

	slog.Info("queue.rejected", "item_id", item.ID, "conversation_id", item.ConversationID)
	s.events.Broadcast(bus.Event{Name: bus.EventQueueRejected, Payload: map[string]any{
		"conversation_id": item.ConversationID,
		"item_id":         item.ID,
	}})
	return nil
}

func (s *Service) handleDispatchFailure(ctx context.Context, item *store.QueueItem, conv *store.Conversation, dispatchErr error) error {
	if rbErr := s.store.RollbackQueueItem(ctx, item.ID); rbErr != nil {
		slog.Error("queue.rollback_failed", "item_id", item.ID, "error", rbErr)
	}

	reason := "dispatch attempts exhausted"
	var perm *dispatch.PermanentError
	if errors.As(dispatchErr, &perm) {
		reason = "platform rejected the send"
	}

	if err := s.transition(ctx, conv.ID, func(c *store.Conversation) {
		c.Status = store.StatusEscalated
		c.State = store.StateEscalated
		c.EscalationReason = reason
	}); err != nil {
		slog.Error("queue.escalate_failed", "conversation_id", conv.ID, "error", err)
	}

	slog.Warn("queue.dispatch_failed", "item_id", item.ID, "conversation_id", conv.ID, "reason", reason, "error", dispatchErr)
	s.events.Broadcast(bus.Event{Name: bus.EventConversationEscalated, Payload: map[string]any{
		"conversation_id": conv.ID,
		"reason":          reason,
	}})
	return fmt.Errorf("approve %s: %w", item.ID, dispatchErr)
}

// recordOutbound appends the sent message and returns the conversation to
// idle, claiming the next sequence number under the conversation lock.
func (s *Service) recordOutbound(ctx context.Context, conversationID uuid.UUID, text string, origin store.Origin, platformMessageID string) error {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	msg := &store.Message{
		ID:                uuid.Must(uuid.NewV7()),
		ConversationID:    conv.ID,
		Platform:          conv.Platform,
		Seq:               conv.NextSeq,
		Direction:         store.DirectionOutbound,
		Origin:            origin,
		Body:              text,
		PlatformMessageID: platformMessageID,
		CreatedAt:         now,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("append outbound message: %w", err)
	}

	conv.NextSeq++
	conv.LastOutboundAt = now
	if conv.State == store.StateAwaitingApproval || conv.State == store.StateDispatching {
		conv.State = store.StateIdle
	}
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("update conversation after send: %w", err)
	}
	return nil
}

// transition applies fn to the conversation under its lock with a CAS write.
func (s *Service) transition(ctx context.Context, conversationID uuid.UUID, fn func(*store.Conversation)) error {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	fn(conv)
	return s.store.UpdateConversation(ctx, conv)
}
