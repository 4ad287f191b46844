// Package orchestrator drives the per-conversation pipeline: ordering,
// deduplication, the state machine and the handoff between policy, draft
// generation, the approval queue and the dispatcher.
//
// Lock discipline: every conversation state transition runs under the
// conversation's lock. Draft generation and platform sends never hold it;
// their results are applied under a re-acquired lock with a staleness check.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/dispatch"
	"github.com/nextlevelbuilder/replydesk/internal/draft"
	"github.com/nextlevelbuilder/replydesk/internal/locks"
	"github.com/nextlevelbuilder/replydesk/internal/policy"
	"github.com/nextlevelbuilder/replydesk/internal/queue"
	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// ErrConversationClosed is returned for operator actions on a closed thread.
var ErrConversationClosed = errors.New("orchestrator: conversation closed")

// Orchestrator owns the inbound pipeline and operator conversation actions.
type Orchestrator struct {
	store      store.Store
	resolver   *config.Resolver
	policy     *policy.Engine
	generator  *draft.Generator
	queue      *queue.Service
	dispatcher *dispatch.Dispatcher
	locks      *locks.Table
	events     bus.EventPublisher

	wg sync.WaitGroup
}

// New wires the orchestrator.
func New(
	st store.Store,
	resolver *config.Resolver,
	pol *policy.Engine,
	gen *draft.Generator,
	q *queue.Service,
	d *dispatch.Dispatcher,
	lt *locks.Table,
	events bus.EventPublisher,
) *Orchestrator {
	return &Orchestrator{
		store:      st,
		resolver:   resolver,
		policy:     pol,
		generator:  gen,
		queue:      q,
		dispatcher: d,
		locks:      lt,
		events:     events,
	}
}

// Wait blocks until all in-flight draft generations finish. Used on shutdown
// and in tests.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Handle processes one normalized inbound event. The message is recorded and
// the policy decision taken synchronously; draft generation continues in the
// background. Duplicate deliveries are dropped and reported as handled.
func (o *Orchestrator) Handle(ctx context.Context, ev bus.InboundEvent) error {
	dup, err := o.store.HasPlatformMessageID(ctx, ev.Platform, ev.PlatformMessageID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		slog.Debug("pipeline.duplicate_dropped", "platform", ev.Platform, "platform_message_id", ev.PlatformMessageID)
		return nil
	}

	conv, created, err := o.store.GetOrCreateConversation(ctx, ev.Platform, ev.ExternalUserID)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}
	if created {
		slog.Info("pipeline.conversation_created", "conversation_id", conv.ID, "platform", ev.Platform)
		o.events.Broadcast(bus.Event{Name: bus.EventConversationCreated, Payload: map[string]any{
			"conversation_id": conv.ID,
			"platform":        ev.Platform,
		}})
	}

	unlock := o.locks.Lock(conv.ID)
	defer unlock()

	// Reload under the lock: version and next_seq may have moved.
	conv, err = o.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("reload conversation: %w", err)
	}

	inboundSeq := conv.NextSeq
	msg := &store.Message{
		ID:                uuid.Must(uuid.NewV7()),
		ConversationID:    conv.ID,
		Platform:          ev.Platform,
		Seq:               inboundSeq,
		Direction:         store.DirectionInbound,
		Origin:            store.OriginUser,
		Body:              ev.Text,
		PlatformMessageID: ev.PlatformMessageID,
		CreatedAt:         ev.ReceivedAt.UTC(),
	}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			// Lost the dedup race to a concurrent delivery of the same
			// webhook. The unique index is the source of truth.
			slog.Debug("pipeline.duplicate_dropped", "platform", ev.Platform, "platform_message_id", ev.PlatformMessageID)
			return nil
		}
		return fmt.Errorf("append inbound message: %w", err)
	}

	conv.NextSeq++
	conv.LastInboundAt = msg.CreatedAt

	o.events.Broadcast(bus.Event{Name: bus.EventMessageReceived, Payload: map[string]any{
		"conversation_id": conv.ID,
		"platform":        ev.Platform,
		"seq":             inboundSeq,
	}})

	// Escalated conversations record history but never draft.
	if conv.Status == store.StatusEscalated {
		return o.store.UpdateConversation(ctx, conv)
	}

	cfg := o.resolver.Resolve(ctx, ev.Platform)
	result := o.policy.Decide(ctx, conv, ev.Text, cfg)

	if result.Decision == policy.DecisionEscalate {
		conv.Status = store.StatusEscalated
		conv.State = store.StateEscalated
		conv.EscalationReason = result.Reason
		if err := o.store.UpdateConversation(ctx, conv); err != nil {
			return fmt.Errorf("escalate conversation: %w", err)
		}
		slog.Info("pipeline.escalated", "conversation_id", conv.ID, "reason", result.Reason)
		o.events.Broadcast(bus.Event{Name: bus.EventConversationEscalated, Payload: map[string]any{
			"conversation_id": conv.ID,
			"reason":          result.Reason,
		}})
		return nil
	}

	conv.State = store.StateAwaitingDraft
	if err := o.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("mark awaiting draft: %w", err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// Detached from the webhook request: generation outlives the HTTP
		// response.
		genCtx := context.WithoutCancel(ctx)
		o.generateAndRoute(genCtx, conv.ID, inboundSeq, result.Decision, cfg)
	}()
	return nil
}

// generateAndRoute runs outside the conversation lock: builds the draft,
// routes it under a re-acquired lock and, for trusted conversations, performs
// the send with the lock released again.
func (o *Orchestrator) generateAndRoute(ctx context.Context, conversationID uuid.UUID, inboundSeq int64, decision policy.Decision, cfg config.AgentConfig) {
	limit := cfg.ContextMessages
	if limit <= 0 {
		limit = 20
	}
	history, err := o.store.GetRecentMessages(ctx, conversationID, limit)
	if err != nil {
		o.escalate(ctx, conversationID, "history unavailable for drafting")
		return
	}

	text, err := o.generator.Generate(ctx, cfg, history)
	if err != nil {
		reason := "draft generation failed"
		var genErr *draft.GenerationError
		if errors.As(err, &genErr) {
			reason = fmt.Sprintf("draft generation failed: %s", genErr.Kind)
		}
		slog.Warn("pipeline.generation_failed", "conversation_id", conversationID, "error", err)
		o.escalate(ctx, conversationID, reason)
		return
	}

	conv, claimed := o.routeDraft(ctx, conversationID, inboundSeq, decision, text, cfg)
	if claimed {
		o.autoDispatch(ctx, conv, text, cfg)
	}
}

// routeDraft applies the finished draft under the conversation lock: enqueue
// for review, or claim the dispatching state for a trusted auto-send. Returns
// (conv, true) when the caller must perform the send, which happens with the
// lock released.
func (o *Orchestrator) routeDraft(ctx context.Context, conversationID uuid.UUID, inboundSeq int64, decision policy.Decision, text string, cfg config.AgentConfig) (*store.Conversation, bool) {
	unlock := o.locks.Lock(conversationID)
	defer unlock()

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		slog.Error("pipeline.route_failed", "conversation_id", conversationID, "error", err)
		return nil, false
	}

	// Staleness check: if anything was appended after the inbound message
	// this draft answered, a newer pipeline run owns the conversation.
	if conv.NextSeq-1 != inboundSeq {
		slog.Debug("pipeline.stale_draft_discarded", "conversation_id", conversationID, "inbound_seq", inboundSeq, "next_seq", conv.NextSeq)
		return nil, false
	}
	if conv.Status == store.StatusEscalated {
		return nil, false
	}

	if decision == policy.DecisionAutoApprove {
		conv.State = store.StateDispatching
		if err := o.store.UpdateConversation(ctx, conv); err != nil {
			slog.Error("pipeline.state_update_failed", "conversation_id", conv.ID, "error", err)
			return nil, false
		}
		return conv, true
	}

	if _, err := o.queue.Enqueue(ctx, conv, text, cfg); err != nil {
		slog.Error("pipeline.enqueue_failed", "conversation_id", conv.ID, "error", err)
		return nil, false
	}
	conv.State = store.StateAwaitingApproval
	if err := o.store.UpdateConversation(ctx, conv); err != nil {
		slog.Error("pipeline.state_update_failed", "conversation_id", conv.ID, "error", err)
	}
	return nil, false
}

// autoDispatch sends a draft for a trusted conversation without review. The
// platform send runs without the conversation lock; the outcome is recorded
// under a re-acquired lock.
func (o *Orchestrator) autoDispatch(ctx context.Context, conv *store.Conversation, text string, cfg config.AgentConfig) {
	outcome, err := o.dispatcher.Dispatch(ctx, dispatch.Request{
		Send: bus.OutboundSend{
			Platform:       conv.Platform,
			ExternalUserID: conv.ExternalUserID,
			Text:           text,
			IdempotencyKey: uuid.Must(uuid.NewV7()).String(),
		},
		ConversationID: conv.ID,
	}, cfg)
	if err != nil {
		slog.Warn("pipeline.auto_dispatch_failed", "conversation_id", conv.ID, "error", err)
		o.escalate(ctx, conv.ID, "auto-approved dispatch failed")
		return
	}

	conversationID := conv.ID
	unlock := o.locks.Lock(conversationID)
	defer unlock()

	conv, err = o.store.GetConversation(ctx, conversationID)
	if err != nil {
		slog.Error("pipeline.outbound_record_failed", "conversation_id", conversationID, "error", err)
		return
	}

	now := time.Now().UTC()
	msg := &store.Message{
		ID:                uuid.Must(uuid.NewV7()),
		ConversationID:    conv.ID,
		Platform:          conv.Platform,
		Seq:               conv.NextSeq,
		Direction:         store.DirectionOutbound,
		Origin:            store.OriginAIDraft,
		Body:              text,
		PlatformMessageID: outcome.PlatformMessageID,
		CreatedAt:         now,
	}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		slog.Error("pipeline.outbound_record_failed", "conversation_id", conv.ID, "error", err)
		return
	}
	conv.NextSeq++
	conv.LastOutboundAt = now
	if conv.State == store.StateDispatching {
		conv.State = store.StateIdle
	}
	if err := o.store.UpdateConversation(ctx, conv); err != nil {
		slog.Error("pipeline.state_update_failed", "conversation_id", conv.ID, "error", err)
	}
}

// escalate moves a conversation to escalated under its lock.
func (o *Orchestrator) escalate(ctx context.Context, conversationID uuid.UUID, reason string) {
	unlock := o.locks.Lock(conversationID)
	defer unlock()

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		slog.Error("pipeline.escalate_failed", "conversation_id", conversationID, "error", err)
		return
	}
	if conv.Status == store.StatusEscalated {
		return
	}
	conv.Status = store.StatusEscalated
	conv.State = store.StateEscalated
	conv.EscalationReason = reason
	if err := o.store.UpdateConversation(ctx, conv); err != nil {
		slog.Error("pipeline.escalate_failed", "conversation_id", conversationID, "error", err)
		return
	}
	slog.Info("pipeline.escalated", "conversation_id", conversationID, "reason", reason)
	o.events.Broadcast(bus.Event{Name: bus.EventConversationEscalated, Payload: map[string]any{
		"conversation_id": conversationID,
		"reason":          reason,
	}})
}
