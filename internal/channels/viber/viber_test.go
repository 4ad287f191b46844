package viber

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/config"
)

const testToken = "viber-test-token"

func newTestAdapter(apiBase string) *Adapter {
	return New(config.ViberConfig{
		Enabled:   true,
		AuthToken: testToken,
		APIBase:   apiBase,
	})
}

func signedHeader(body []byte) http.Header {
	h := http.Header{}
	h.Set(SignatureHeader, Sign(testToken, body))
	return h
}

func messageBody(t *testing.T, text string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event":         "message",
		"timestamp":     1700000000000,
		"message_token": 12345,
		"sender":        map[string]string{"id": "uid-1", "name": "Maria"},
		"message":       map[string]string{"type": "text", "text": text},
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func TestNormalizeInbound(t *testing.T) {
	a := newTestAdapter("")
	body := messageBody(t, "hello there")

	ev, err := a.NormalizeInbound(signedHeader(body), body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Platform != "viber" || ev.ExternalUserID != "uid-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Text != "hello there" || ev.PlatformMessageID != "12345" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.ReceivedAt.IsZero() {
		t.Fatal("expected received_at set from timestamp")
	}
}

func TestNormalizeInboundSignature(t *testing.T) {
	a := newTestAdapter("")
	body := messageBody(t, "hello")

	tests := []struct {
		name   string
		header http.Header
	}{
		{"missing", http.Header{}},
		{"malformed", headerWith("not-hex!")},
		{"wrong key", headerWith(Sign("other-token", body))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.NormalizeInbound(tt.header, body)
			if !errors.Is(err, channels.ErrUnverifiedSource) {
				t.Fatalf("expected ErrUnverifiedSource, got %v", err)
			}
		})
	}
}

func headerWith(sig string) http.Header {
	h := http.Header{}
	h.Set(SignatureHeader, sig)
	return h
}

func TestNormalizeInboundIgnorableEvents(t *testing.T) {
	a := newTestAdapter("")

	for _, event := range []string{"delivered", "seen", "webhook", "subscribed"} {
		body, _ := json.Marshal(map[string]any{"event": event})
		_, err := a.NormalizeInbound(signedHeader(body), body)
		if !errors.Is(err, channels.ErrIgnorableEvent) {
			t.Fatalf("event %q: expected ErrIgnorableEvent, got %v", event, err)
		}
	}

	// Non-text message is ignorable, not malformed.
	body, _ := json.Marshal(map[string]any{
		"event":   "message",
		"sender":  map[string]string{"id": "uid-1"},
		"message": map[string]string{"type": "picture"},
	})
	if _, err := a.NormalizeInbound(signedHeader(body), body); !errors.Is(err, channels.ErrIgnorableEvent) {
		t.Fatalf("expected ErrIgnorableEvent for picture, got %v", err)
	}
}

func TestNormalizeInboundMalformed(t *testing.T) {
	a := newTestAdapter("")

	body := []byte("{not json")
	if _, err := a.NormalizeInbound(signedHeader(body), body); !errors.Is(err, channels.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}

	// Text message without a sender id.
	body, _ = json.Marshal(map[string]any{
		"event":   "message",
		"message": map[string]string{"type": "text", "text": "hi"},
	})
	if _, err := a.NormalizeInbound(signedHeader(body), body); !errors.Is(err, channels.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestSendStatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind channels.SendErrorKind
	}{
		{"rate limited", 12, channels.SendRateLimited},
		{"receiver not registered", 5, channels.SendPermanent},
		{"blocked", 6, channels.SendPermanent},
		{"unknown status", 99, channels.SendTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"status":         tt.status,
					"status_message": tt.name,
				})
			}))
			defer srv.Close()

			a := newTestAdapter(srv.URL)
			_, err := a.Send(context.Background(), "uid-1", "hello")
			var se *channels.SendError
			if !errors.As(err, &se) {
				t.Fatalf("expected SendError, got %v", err)
			}
			if se.Kind != tt.wantKind {
				t.Fatalf("status %d: expected %s, got %s", tt.status, tt.wantKind, se.Kind)
			}
		})
	}
}

func TestSendSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Viber-Auth-Token")
		json.NewEncoder(w).Encode(map[string]any{"status": 0, "message_token": 777})
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	id, err := a.Send(context.Background(), "uid-1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "777" {
		t.Fatalf("expected message token 777, got %s", id)
	}
	if gotAuth != testToken {
		t.Fatalf("expected auth token header, got %q", gotAuth)
	}
}

func TestSendHTTP429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	_, err := a.Send(context.Background(), "uid-1", "hello")
	var se *channels.SendError
	if !errors.As(err, &se) || se.Kind != channels.SendRateLimited {
		t.Fatalf("expected rate limited SendError, got %v", err)
	}
	if se.RetryAfter.Seconds() != 7 {
		t.Fatalf("expected RetryAfter 7s, got %v", se.RetryAfter)
	}
}
