// Package policy decides what happens to a generated draft: auto-approve,
// queue for human review, or escalate. Checks run in a fixed order so a
// trigger keyword always wins over a rate cap.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// Decision is the policy outcome for one inbound message.
type Decision string

const (
	// DecisionAutoApprove dispatches the draft without human review.
	DecisionAutoApprove Decision = "auto_approve"

	// DecisionQueueForReview puts the draft on the approval queue.
	DecisionQueueForReview Decision = "queue_for_review"

	// DecisionEscalate hands the conversation to a human without drafting.
	DecisionEscalate Decision = "escalate"
)

// Result carries the decision and, for escalations, the reason.
type Result struct {
	Decision Decision
	Reason   string
}

// OutboundCounter is the store slice the per-conversation window needs.
type OutboundCounter interface {
	CountOutboundSince(ctx context.Context, conversationID uuid.UUID, since time.Time) (int, error)
}

// Engine evaluates policy for inbound messages. The global limiter is shared
// across all conversations and platforms; its rate follows config changes.
type Engine struct {
	matcher Matcher
	counter OutboundCounter

	mu          sync.Mutex
	global      *rate.Limiter
	globalRate  rate.Limit
	globalBurst int
}

// NewEngine creates an Engine. matcher may be nil, in which case the default
// keyword matcher is used. The global limiter is built lazily from the first
// resolved config so it starts with a full bucket.
func NewEngine(matcher Matcher, counter OutboundCounter) *Engine {
	if matcher == nil {
		matcher = KeywordMatcher{}
	}
	return &Engine{
		matcher: matcher,
		counter: counter,
	}
}

// Decide evaluates the inbound text against the effective config.
// Order matters: triggers first, then the per-conversation hour window, then
// the global per-minute cap. Rate check failures degrade to escalation so a
// broken store never auto-sends.
func (e *Engine) Decide(ctx context.Context, conv *store.Conversation, inboundText string, cfg config.AgentConfig) Result {
	if keyword, ok := e.matcher.Match(inboundText, cfg.EscalationKeywords); ok {
		return Result{
			Decision: DecisionEscalate,
			Reason:   fmt.Sprintf("trigger keyword %q", keyword),
		}
	}

	if cfg.RatePerConversationHour > 0 {
		since := time.Now().Add(-time.Hour)
		count, err := e.counter.CountOutboundSince(ctx, conv.ID, since)
		if err != nil {
			slog.Warn("policy.rate_count_failed", "conversation_id", conv.ID, "error", err)
			return Result{Decision: DecisionEscalate, Reason: "rate window unavailable"}
		}
		if count >= cfg.RatePerConversationHour {
			return Result{
				Decision: DecisionEscalate,
				Reason:   fmt.Sprintf("conversation rate cap reached (%d/h)", cfg.RatePerConversationHour),
			}
		}
	}

	if cfg.GlobalPerMinute > 0 {
		if !e.limiter(cfg).Allow() {
			return Result{
				Decision: DecisionEscalate,
				Reason:   fmt.Sprintf("global rate cap reached (%d/min)", cfg.GlobalPerMinute),
			}
		}
	}

	if conv.Trusted {
		return Result{Decision: DecisionAutoApprove}
	}
	return Result{Decision: DecisionQueueForReview}
}

// limiter returns the shared limiter, rebuilding it when the configured rate
// or burst changed. A rebuilt limiter starts with a full bucket; SetBurst on
// an existing one would not grant the new tokens.
func (e *Engine) limiter(cfg config.AgentConfig) *rate.Limiter {
	want := rate.Limit(float64(cfg.GlobalPerMinute) / 60.0)
	burst := cfg.GlobalBurst
	if burst <= 0 {
		burst = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.global == nil || e.globalRate != want || e.globalBurst != burst {
		e.global = rate.NewLimiter(want, burst)
		e.globalRate = want
		e.globalBurst = burst
	}
	return e.global
}
