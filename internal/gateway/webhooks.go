package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/replydesk/internal/channels"
)

var tracer = otel.Tracer("replydesk/gateway")

const maxWebhookBody = 1 << 20

// handleWebhook receives one raw platform delivery, verifies it through the
// adapter and feeds the normalized event into the pipeline. Platforms retry
// on non-2xx, so ignorable and duplicate events still return 200.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow(remoteKey(r)) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	platform := r.PathValue("platform")
	ctx, span := tracer.Start(r.Context(), "webhook.receive",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("platform", platform)))
	defer span.End()

	adapter, err := s.registry.Get(platform)
	if err != nil {
		http.Error(w, "unknown platform", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	ev, err := adapter.NormalizeInbound(r.Header, body)
	if err != nil {
		switch {
		case errors.Is(err, channels.ErrIgnorableEvent):
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, channels.ErrUnverifiedSource):
			slog.Warn("gateway.webhook_unverified", "platform", platform, "remote", r.RemoteAddr)
			http.Error(w, "unverified", http.StatusUnauthorized)
		case errors.Is(err, channels.ErrMalformedPayload):
			http.Error(w, "malformed payload", http.StatusBadRequest)
		default:
			slog.Error("gateway.webhook_normalize_failed", "platform", platform, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	if err := s.orchestrator.Handle(ctx, ev); err != nil {
		span.SetStatus(codes.Error, "handle failed")
		slog.Error("gateway.webhook_handle_failed", "platform", platform, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func remoteKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
