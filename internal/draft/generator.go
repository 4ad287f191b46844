// Package draft turns conversation history into an AI reply candidate.
// The generator builds a bounded context window, calls the configured
// provider and classifies failures so the orchestrator can decide between
// escalating and silently dropping a draft.
package draft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/providers"
	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// FailureKind classifies why generation produced no usable draft.
type FailureKind string

const (
	// FailureUpstream means the provider was unreachable or kept erroring.
	FailureUpstream FailureKind = "upstream_unavailable"

	// FailureContentPolicy means the provider refused via content filter.
	FailureContentPolicy FailureKind = "content_policy_blocked"

	// FailureTimeout means generation exceeded the configured deadline.
	FailureTimeout FailureKind = "timeout"
)

// GenerationError carries the failure classification to the orchestrator.
type GenerationError struct {
	Kind FailureKind
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("draft generation failed (%s): %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

const defaultSystemPrompt = "You are a helpful customer support assistant. " +
	"Reply concisely and politely in the customer's language. " +
	"If you are unsure, say so rather than guessing."

// Generator produces reply drafts from conversation history.
type Generator struct {
	provider providers.Provider
}

// NewGenerator creates a Generator backed by the given provider.
func NewGenerator(provider providers.Provider) *Generator {
	return &Generator{provider: provider}
}

// Generate builds the prompt from the newest messages and requests a draft.
// History must be in ascending sequence order; only the last
// cfg.ContextMessages entries are sent upstream. The call is bounded by
// cfg.GenerationTimeout and retried once on timeout.
func (g *Generator) Generate(ctx context.Context, cfg config.AgentConfig, history []*store.Message) (string, error) {
	req := providers.ChatRequest{
		Messages: g.buildMessages(cfg, history),
		Model:    cfg.Model,
	}

	timeout := cfg.GenerationTimeoutDuration()

	text, err := g.chatOnce(ctx, req, timeout)
	if err != nil {
		var genErr *GenerationError
		if errors.As(err, &genErr) && genErr.Kind == FailureTimeout {
			slog.Warn("draft.timeout_retry", "model", req.Model, "timeout", timeout)
			text, err = g.chatOnce(ctx, req, timeout)
		}
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (g *Generator) chatOnce(ctx context.Context, req providers.ChatRequest, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.provider.Chat(callCtx, req)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return "", &GenerationError{Kind: FailureTimeout, Err: err}
		}
		return "", &GenerationError{Kind: FailureUpstream, Err: err}
	}

	if resp.FinishReason == "content_filter" {
		return "", &GenerationError{Kind: FailureContentPolicy, Err: errors.New("provider content filter triggered")}
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", &GenerationError{Kind: FailureUpstream, Err: errors.New("empty completion")}
	}

	slog.Debug("draft.generated", "model", req.Model, "elapsed", time.Since(start), "chars", len(text))
	return text, nil
}

// buildMessages maps the history window into chat roles: inbound user
// messages become "user", everything outbound becomes "assistant".
func (g *Generator) buildMessages(cfg config.AgentConfig, history []*store.Message) []providers.Message {
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	window := history
	if cfg.ContextMessages > 0 && len(window) > cfg.ContextMessages {
		window = window[len(window)-cfg.ContextMessages:]
	}

	messages := make([]providers.Message, 0, len(window)+1)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
	for _, msg := range window {
		role := "assistant"
		if msg.Direction == store.DirectionInbound {
			role = "user"
		}
		messages = append(messages, providers.Message{Role: role, Content: msg.Body})
	}
	return messages
}
