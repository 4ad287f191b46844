// Package dispatch delivers approved replies to platform adapters with
// at-most-once semantics. Every try writes an attempt row; a successful
// attempt for an idempotency key short-circuits any later dispatch of the
// same logical send.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// ErrExhausted is returned when all dispatch attempts failed with retryable
// errors. The caller decides whether to roll the queue item back.
var ErrExhausted = errors.New("dispatch: attempts exhausted")

// PermanentError wraps a platform rejection that retrying cannot fix.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return fmt.Sprintf("dispatch: permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Request is one logical send. QueueItemID is uuid.Nil for direct
// (auto-approved) sends.
type Request struct {
	Send           bus.OutboundSend
	QueueItemID    uuid.UUID
	ConversationID uuid.UUID
}

// Outcome reports a completed dispatch.
type Outcome struct {
	PlatformMessageID string
	AttemptNumber     int
	Deduplicated      bool // a prior successful attempt was reused
}

// Dispatcher sends outbound messages through registered adapters.
type Dispatcher struct {
	registry *channels.Registry
	attempts store.AttemptStore
	events   bus.EventPublisher
}

// New creates a Dispatcher.
func New(registry *channels.Registry, attempts store.AttemptStore, events bus.EventPublisher) *Dispatcher {
	return &Dispatcher{registry: registry, attempts: attempts, events: events}
}

// Dispatch delivers req.Send, retrying transient and rate-limited failures
// with exponential backoff up to cfg.DispatchMaxAttempts. Returns
// *PermanentError for platform rejections and ErrExhausted after the last
// retryable failure.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, cfg config.AgentConfig) (*Outcome, error) {
	prior, err := d.attempts.FindSuccessfulAttempt(ctx, req.Send.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("dispatch: idempotency lookup: %w", err)
	}
	if prior != nil {
		slog.Info("dispatch.deduplicated",
			"idempotency_key", req.Send.IdempotencyKey,
			"platform_message_id", prior.PlatformMessageID)
		return &Outcome{
			PlatformMessageID: prior.PlatformMessageID,
			AttemptNumber:     prior.AttemptNumber,
			Deduplicated:      true,
		}, nil
	}

	adapter, err := d.registry.Get(req.Send.Platform)
	if err != nil {
		return nil, &PermanentError{Err: err}
	}

	maxAttempts := cfg.DispatchMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := cfg.DispatchBaseDelayDuration()
	maxDelay := cfg.DispatchMaxDelayDuration()

	startAttempt, err := d.nextAttemptNumber(ctx, req.Send.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		attemptNo := startAttempt + i

		platformMsgID, sendErr := adapter.Send(ctx, req.Send.ExternalUserID, req.Send.Text)
		if sendErr == nil {
			if err := d.record(ctx, req, attemptNo, store.AttemptSent, platformMsgID, ""); err != nil {
				// The message is out; losing the attempt row must not
				// surface as a dispatch failure.
				slog.Error("dispatch.attempt_record_failed", "idempotency_key", req.Send.IdempotencyKey, "error", err)
			}
			d.events.Broadcast(bus.Event{Name: bus.EventDispatchSent, Payload: map[string]any{
				"conversation_id":     req.ConversationID,
				"platform":            req.Send.Platform,
				"platform_message_id": platformMsgID,
				"attempt":             attemptNo,
			}})
			return &Outcome{PlatformMessageID: platformMsgID, AttemptNumber: attemptNo}, nil
		}

		lastErr = sendErr
		kind := channels.SendTransient
		retryAfter := time.Duration(0)
		var se *channels.SendError
		if errors.As(sendErr, &se) {
			kind = se.Kind
			retryAfter = se.RetryAfter
		}

		if err := d.record(ctx, req, attemptNo, store.AttemptFailed, "", string(kind)); err != nil {
			slog.Error("dispatch.attempt_record_failed", "idempotency_key", req.Send.IdempotencyKey, "error", err)
		}

		if kind == channels.SendPermanent {
			d.broadcastFailed(req, attemptNo, kind)
			return nil, &PermanentError{Err: sendErr}
		}
		if i == maxAttempts-1 {
			break
		}

		delay := backoff(baseDelay, maxDelay, i)
		if retryAfter > delay {
			delay = retryAfter
		}
		slog.Warn("dispatch.retry",
			"platform", req.Send.Platform,
			"attempt", attemptNo,
			"kind", kind,
			"delay", delay,
			"error", sendErr)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.broadcastFailed(req, startAttempt+maxAttempts-1, channels.SendTransient)
	return nil, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

func (d *Dispatcher) nextAttemptNumber(ctx context.Context, idempotencyKey string) (int, error) {
	prior, err := d.attempts.ListAttempts(ctx, idempotencyKey)
	if err != nil {
		return 0, fmt.Errorf("dispatch: attempt history: %w", err)
	}
	return len(prior) + 1, nil
}

func (d *Dispatcher) record(ctx context.Context, req Request, attemptNo int, status store.AttemptStatus, platformMsgID, errorKind string) error {
	now := time.Now().UTC()
	att := &store.OutboundAttempt{
		ID:                uuid.Must(uuid.NewV7()),
		IdempotencyKey:    req.Send.IdempotencyKey,
		QueueItemID:       req.QueueItemID,
		ConversationID:    req.ConversationID,
		AttemptNumber:     attemptNo,
		Status:            status,
		PlatformMessageID: platformMsgID,
		ErrorKind:         errorKind,
	}
	if status == store.AttemptSent {
		att.SentAt = &now
	} else {
		att.FailedAt = &now
	}
	return d.attempts.InsertAttempt(ctx, att)
}

func (d *Dispatcher) broadcastFailed(req Request, attemptNo int, kind channels.SendErrorKind) {
	d.events.Broadcast(bus.Event{Name: bus.EventDispatchFailed, Payload: map[string]any{
		"conversation_id": req.ConversationID,
		"platform":        req.Send.Platform,
		"attempt":         attemptNo,
		"kind":            string(kind),
	}})
}

func backoff(base, max time.Duration, retry int) time.Duration {
	delay := base << uint(retry)
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}
