package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/orchestrator"
	"github.com/nextlevelbuilder/replydesk/internal/queue"
	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// auth wraps an operator handler with bearer token checking. With no token
// configured the API is open (dev mode); the serve command warns about it.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Gateway.Token
	if token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway.response_write_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type queueItemResponse struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Platform       string    `json:"platform"`
	Draft          string    `json:"draft"`
	GeneratedAt    time.Time `json:"generated_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	State          string    `json:"state"`
	Attempts       int       `json:"attempts"`
}

func toQueueItemResponse(item *store.QueueItem) queueItemResponse {
	return queueItemResponse{
		ID:             item.ID,
		ConversationID: item.ConversationID,
		Platform:       item.Platform,
		Draft:          item.Draft,
		GeneratedAt:    item.GeneratedAt,
		ExpiresAt:      item.ExpiresAt,
		State:          string(item.State),
		Attempts:       item.Attempts,
	}
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	filter := store.QueueFilter{
		Platform: r.URL.Query().Get("platform"),
		State:    store.QueuePending,
	}
	if st := r.URL.Query().Get("state"); st != "" {
		filter.State = store.QueueState(st)
	}

	items, err := s.queue.List(r.Context(), filter)
	if err != nil {
		slog.Error("gateway.queue_list_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]queueItemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toQueueItemResponse(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	var req struct {
		EditedText string `json:"edited_text,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}

	err = s.queue.Approve(r.Context(), id, req.EditedText)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
	case errors.Is(err, queue.ErrAlreadyResolved):
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_resolved"})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "queue item not found")
	default:
		slog.Error("gateway.approve_failed", "item_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "dispatch failed")
	}
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	err = s.queue.Reject(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
	case errors.Is(err, queue.ErrAlreadyResolved):
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_resolved"})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "queue item not found")
	default:
		slog.Error("gateway.reject_failed", "item_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type conversationResponse struct {
	ID               uuid.UUID `json:"id"`
	Platform         string    `json:"platform"`
	ExternalUserID   string    `json:"external_user_id"`
	Status           string    `json:"status"`
	State            string    `json:"state"`
	Trusted          bool      `json:"trusted"`
	EscalationReason string    `json:"escalation_reason,omitempty"`
	LastInboundAt    time.Time `json:"last_inbound_at"`
	LastOutboundAt   time.Time `json:"last_outbound_at"`
	CreatedAt        time.Time `json:"created_at"`
}

func (s *Server) handleEscalatedList(w http.ResponseWriter, r *http.Request) {
	convs, err := s.orchestrator.ListEscalated(r.Context())
	if err != nil {
		slog.Error("gateway.escalated_list_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]conversationResponse, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationResponse{
			ID:               c.ID,
			Platform:         c.Platform,
			ExternalUserID:   c.ExternalUserID,
			Status:           string(c.Status),
			State:            string(c.State),
			Trusted:          c.Trusted,
			EscalationReason: c.EscalationReason,
			LastInboundAt:    c.LastInboundAt,
			LastOutboundAt:   c.LastOutboundAt,
			CreatedAt:        c.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	err = s.orchestrator.Resolve(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, orchestrator.ErrConversationClosed):
		writeError(w, http.StatusConflict, "conversation closed")
	default:
		slog.Error("gateway.resolve_failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	req := struct {
		Trusted *bool `json:"trusted,omitempty"`
	}{}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	trusted := true
	if req.Trusted != nil {
		trusted = *req.Trusted
	}

	err = s.orchestrator.Trust(r.Context(), id, trusted)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "trusted": trusted})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, orchestrator.ErrConversationClosed):
		writeError(w, http.StatusConflict, "conversation closed")
	default:
		slog.Error("gateway.trust_failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type agentOverrideRequest struct {
	Provider                string   `json:"provider,omitempty"`
	Model                   string   `json:"model,omitempty"`
	SystemPrompt            string   `json:"system_prompt,omitempty"`
	ContextMessages         int      `json:"context_messages,omitempty"`
	RatePerConversationHour int      `json:"rate_per_conversation_hour,omitempty"`
	GlobalPerMinute         int      `json:"global_per_minute,omitempty"`
	EscalationKeywords      []string `json:"escalation_keywords,omitempty"`
	QueueItemTTLSeconds     int      `json:"queue_item_ttl_seconds,omitempty"`
	DispatchMaxAttempts     int      `json:"dispatch_max_attempts,omitempty"`
}

func (req agentOverrideRequest) validate() error {
	for name, v := range map[string]int{
		"context_messages":           req.ContextMessages,
		"rate_per_conversation_hour": req.RatePerConversationHour,
		"global_per_minute":          req.GlobalPerMinute,
		"queue_item_ttl_seconds":     req.QueueItemTTLSeconds,
		"dispatch_max_attempts":      req.DispatchMaxAttempts,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	ov, err := s.configStore.GetAgentOverride(r.Context(), platform)
	if err != nil {
		slog.Error("gateway.config_get_failed", "platform", platform, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if ov == nil {
		ov = &store.AgentOverride{Platform: platform}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"platform": ov.Platform,
		"override": agentOverrideRequest{
			Provider:                ov.Provider,
			Model:                   ov.Model,
			SystemPrompt:            ov.SystemPrompt,
			ContextMessages:         ov.ContextMessages,
			RatePerConversationHour: ov.RatePerConversationHour,
			GlobalPerMinute:         ov.GlobalPerMinute,
			EscalationKeywords:      ov.EscalationKeywords,
			QueueItemTTLSeconds:     ov.QueueItemTTLSeconds,
			DispatchMaxAttempts:     ov.DispatchMaxAttempts,
		},
		"updated_at": ov.UpdatedAt,
	})
}

// handleConfigPut stores an operator override. Unknown fields are rejected so
// a typoed key never silently no-ops. Takes effect on the next inbound event.
func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req agentOverrideRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ov := &store.AgentOverride{
		Platform:                platform,
		Provider:                req.Provider,
		Model:                   req.Model,
		SystemPrompt:            req.SystemPrompt,
		ContextMessages:         req.ContextMessages,
		RatePerConversationHour: req.RatePerConversationHour,
		GlobalPerMinute:         req.GlobalPerMinute,
		EscalationKeywords:      req.EscalationKeywords,
		QueueItemTTLSeconds:     req.QueueItemTTLSeconds,
		DispatchMaxAttempts:     req.DispatchMaxAttempts,
		UpdatedAt:               time.Now().UTC(),
	}
	if err := s.configStore.PutAgentOverride(r.Context(), ov); err != nil {
		slog.Error("gateway.config_put_failed", "platform", platform, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("gateway.config_updated", "platform", platform)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
