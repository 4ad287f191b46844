package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/store"
)

type stubCounter struct {
	count int
	err   error
}

func (s stubCounter) CountOutboundSince(context.Context, uuid.UUID, time.Time) (int, error) {
	return s.count, s.err
}

func testConv(trusted bool) *store.Conversation {
	return &store.Conversation{
		ID:      uuid.Must(uuid.NewV7()),
		Trusted: trusted,
	}
}

func testCfg() config.AgentConfig {
	return config.AgentConfig{
		EscalationKeywords:      []string{"refund", "оплакване"},
		RatePerConversationHour: 3,
		GlobalPerMinute:         600,
		GlobalBurst:             100,
	}
}

func TestDecideTriggerKeyword(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Decision
	}{
		{"plain keyword", "I want a refund now", DecisionEscalate},
		{"case folded", "REFUND please", DecisionEscalate},
		{"cyrillic keyword", "Имам оплакване от обслужването", DecisionEscalate},
		{"no keyword", "how late are you open today", DecisionQueueForReview},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(nil, stubCounter{})
			got := e.Decide(context.Background(), testConv(false), tt.text, testCfg())
			if got.Decision != tt.want {
				t.Fatalf("Decide(%q) = %s, want %s", tt.text, got.Decision, tt.want)
			}
		})
	}
}

func TestDecideTriggerBeatsRateCheck(t *testing.T) {
	// The counter fails hard; a trigger must still escalate with the
	// keyword reason, never touching the rate window.
	e := NewEngine(nil, stubCounter{err: errors.New("db down")})
	got := e.Decide(context.Background(), testConv(false), "refund!", testCfg())
	if got.Decision != DecisionEscalate {
		t.Fatalf("expected escalate, got %s", got.Decision)
	}
	if got.Reason == "rate window unavailable" {
		t.Fatal("trigger check must run before the rate window")
	}
}

func TestDecideConversationRateCap(t *testing.T) {
	cfg := testCfg()

	e := NewEngine(nil, stubCounter{count: cfg.RatePerConversationHour - 1})
	got := e.Decide(context.Background(), testConv(false), "hello", cfg)
	if got.Decision != DecisionQueueForReview {
		t.Fatalf("below cap: expected queue, got %s", got.Decision)
	}

	e = NewEngine(nil, stubCounter{count: cfg.RatePerConversationHour})
	got = e.Decide(context.Background(), testConv(false), "hello", cfg)
	if got.Decision != DecisionEscalate {
		t.Fatalf("at cap: expected escalate, got %s", got.Decision)
	}
}

func TestDecideRateCountFailureEscalates(t *testing.T) {
	e := NewEngine(nil, stubCounter{err: errors.New("db down")})
	got := e.Decide(context.Background(), testConv(true), "hello", testCfg())
	if got.Decision != DecisionEscalate {
		t.Fatalf("expected escalate on counter failure, got %s", got.Decision)
	}
}

func TestDecideGlobalCap(t *testing.T) {
	cfg := testCfg()
	cfg.GlobalPerMinute = 60
	cfg.GlobalBurst = 1

	e := NewEngine(nil, stubCounter{})
	conv := testConv(false)

	first := e.Decide(context.Background(), conv, "hello", cfg)
	if first.Decision != DecisionQueueForReview {
		t.Fatalf("first: expected queue, got %s", first.Decision)
	}
	// Burst of 1 exhausted; the immediate next decision trips the cap.
	second := e.Decide(context.Background(), conv, "hello again", cfg)
	if second.Decision != DecisionEscalate {
		t.Fatalf("second: expected escalate, got %s", second.Decision)
	}
}

func TestDecideGlobalCapColdStart(t *testing.T) {
	// A fresh engine must honor the configured burst from the first call: a
	// handful of immediate decisions may not trip a 6000/min cap.
	cfg := testCfg()
	cfg.GlobalPerMinute = 6000
	cfg.GlobalBurst = 1000

	e := NewEngine(nil, stubCounter{})
	conv := testConv(false)
	for i := 0; i < 10; i++ {
		got := e.Decide(context.Background(), conv, "hello", cfg)
		if got.Decision != DecisionQueueForReview {
			t.Fatalf("call %d: expected queue, got %s (%s)", i+1, got.Decision, got.Reason)
		}
	}
}

func TestDecideGlobalCapRebuildOnConfigChange(t *testing.T) {
	cfg := testCfg()
	cfg.GlobalPerMinute = 60
	cfg.GlobalBurst = 1

	e := NewEngine(nil, stubCounter{})
	conv := testConv(false)
	if got := e.Decide(context.Background(), conv, "hi", cfg); got.Decision != DecisionQueueForReview {
		t.Fatalf("expected queue, got %s", got.Decision)
	}
	if got := e.Decide(context.Background(), conv, "hi again", cfg); got.Decision != DecisionEscalate {
		t.Fatalf("expected escalate with burst spent, got %s", got.Decision)
	}

	// Raising the burst rebuilds the limiter with a full bucket.
	cfg.GlobalBurst = 5
	for i := 0; i < 5; i++ {
		got := e.Decide(context.Background(), conv, "hello", cfg)
		if got.Decision != DecisionQueueForReview {
			t.Fatalf("call %d after raise: expected queue, got %s", i+1, got.Decision)
		}
	}
}

func TestDecideTrustedAutoApproves(t *testing.T) {
	e := NewEngine(nil, stubCounter{})
	got := e.Decide(context.Background(), testConv(true), "hello", testCfg())
	if got.Decision != DecisionAutoApprove {
		t.Fatalf("expected auto-approve for trusted conversation, got %s", got.Decision)
	}
}

func TestKeywordMatcher(t *testing.T) {
	m := KeywordMatcher{}

	if kw, ok := m.Match("special OFFER inside", []string{"offer"}); !ok || kw != "offer" {
		t.Fatalf("expected match on offer, got %q %v", kw, ok)
	}
	if _, ok := m.Match("nothing here", []string{"offer"}); ok {
		t.Fatal("unexpected match")
	}
	if _, ok := m.Match("anything", nil); ok {
		t.Fatal("empty keyword list must never match")
	}
	if _, ok := m.Match("anything", []string{""}); ok {
		t.Fatal("empty keyword must be skipped")
	}
}
