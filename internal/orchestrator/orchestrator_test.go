package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/dispatch"
	"github.com/nextlevelbuilder/replydesk/internal/draft"
	"github.com/nextlevelbuilder/replydesk/internal/locks"
	"github.com/nextlevelbuilder/replydesk/internal/policy"
	"github.com/nextlevelbuilder/replydesk/internal/providers"
	"github.com/nextlevelbuilder/replydesk/internal/queue"
	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/internal/store/sqlite"
)

type fakeProvider struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	lastReq providers.ChatRequest
}

func (f *fakeProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	reply := f.reply
	if reply == "" {
		reply = "draft reply"
	}
	return &providers.ChatResponse{Content: reply, FinishReason: "stop"}, nil
}

func (f *fakeProvider) DefaultModel() string { return "test-model" }
func (f *fakeProvider) Name() string         { return "test" }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []string
	calls int

	// When set, Send signals started and blocks until release is closed.
	started chan struct{}
	release chan struct{}
}

func (f *fakeAdapter) Name() string { return "viber" }

func (f *fakeAdapter) NormalizeInbound(http.Header, []byte) (bus.InboundEvent, error) {
	return bus.InboundEvent{}, channels.ErrIgnorableEvent
}

func (f *fakeAdapter) Send(_ context.Context, _, text string) (string, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sent = append(f.sent, text)
	return fmt.Sprintf("pm-%d", f.calls), nil
}

func (f *fakeAdapter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	store    store.Store
	orch     *Orchestrator
	provider *fakeProvider
	adapter  *fakeAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixtureWithProvider(t, &fakeProvider{})
	return f
}

func newFixtureWithProvider(t *testing.T, provider providers.Provider) *fixture {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{}
	cfg.Agents.Defaults = config.AgentConfig{
		Model:                   "test-model",
		ContextMessages:         10,
		RatePerConversationHour: 50,
		GlobalPerMinute:         6000,
		GlobalBurst:             1000,
		EscalationKeywords:      []string{"refund", "оплакване"},
		QueueItemTTL:            "30m",
		DispatchMaxAttempts:     2,
		DispatchBaseDelay:       "1ms",
		DispatchMaxDelay:        "5ms",
		GenerationTimeout:       "5s",
	}

	adapter := &fakeAdapter{}
	registry := channels.NewRegistry()
	registry.Register(adapter)

	feed := bus.NewBroadcaster()
	lockTable := locks.NewTable()
	resolver := config.NewResolver(cfg, st)
	engine := policy.NewEngine(nil, st)
	generator := draft.NewGenerator(provider)
	dispatcher := dispatch.New(registry, st, feed)
	q := queue.New(st, dispatcher, resolver, lockTable, feed)
	orch := New(st, resolver, engine, generator, q, dispatcher, lockTable, feed)

	f := &fixture{store: st, orch: orch, adapter: adapter}
	if fp, ok := provider.(*fakeProvider); ok {
		f.provider = fp
	}
	return f
}

func inbound(text, platformMessageID string) bus.InboundEvent {
	return bus.InboundEvent{
		Platform:          "viber",
		ExternalUserID:    "user-1",
		Text:              text,
		PlatformMessageID: platformMessageID,
		ReceivedAt:        time.Now().UTC(),
	}
}

func (f *fixture) handleAndWait(t *testing.T, ev bus.InboundEvent) {
	t.Helper()
	if err := f.orch.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	f.orch.Wait()
}

func (f *fixture) conversation(t *testing.T) *store.Conversation {
	t.Helper()
	conv, _, err := f.store.GetOrCreateConversation(context.Background(), "viber", "user-1")
	if err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	return conv
}

func TestHandleEnqueuesDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handleAndWait(t, inbound("hello, where is my parcel?", "m-1"))

	conv := f.conversation(t)
	if conv.State != store.StateAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", conv.State)
	}
	if conv.NextSeq != 2 {
		t.Fatalf("expected next_seq 2, got %d", conv.NextSeq)
	}

	items, _ := f.store.ListQueueItems(ctx, store.QueueFilter{State: store.QueuePending})
	if len(items) != 1 || items[0].Draft != "draft reply" {
		t.Fatalf("expected one pending draft, got %+v", items)
	}
	if f.adapter.sendCount() != 0 {
		t.Fatal("nothing must be sent without approval")
	}
}

func TestHandleDuplicateDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handleAndWait(t, inbound("first delivery", "m-1"))
	f.handleAndWait(t, inbound("first delivery", "m-1"))

	conv := f.conversation(t)
	msgs, _ := f.store.GetRecentMessages(ctx, conv.ID, 10)
	if len(msgs) != 1 {
		t.Fatalf("expected duplicate to be dropped, got %d messages", len(msgs))
	}
	if f.provider.callCount() != 1 {
		t.Fatalf("expected one generation, got %d", f.provider.callCount())
	}
}

func TestHandleSecondMessageSupersedes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handleAndWait(t, inbound("first question", "m-1"))
	f.handleAndWait(t, inbound("actually, second question", "m-2"))

	pending, _ := f.store.ListQueueItems(ctx, store.QueueFilter{State: store.QueuePending})
	if len(pending) != 1 {
		t.Fatalf("expected exactly one pending item, got %d", len(pending))
	}

	conv := f.conversation(t)
	msgs, _ := f.store.GetRecentMessages(ctx, conv.ID, 10)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 inbound messages, got %d", len(msgs))
	}
	if msgs[0].Seq != 1 || msgs[1].Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", msgs[0].Seq, msgs[1].Seq)
	}

	// The surviving draft answered the latest inbound message.
	f.provider.mu.Lock()
	lastUser := f.provider.lastReq.Messages[len(f.provider.lastReq.Messages)-1]
	f.provider.mu.Unlock()
	if lastUser.Content != "actually, second question" {
		t.Fatalf("draft context must end with the newest message, got %q", lastUser.Content)
	}
}

func TestHandleTriggerKeywordEscalatesWithoutGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handleAndWait(t, inbound("искам да подам оплакване", "m-1"))

	conv := f.conversation(t)
	if conv.Status != store.StatusEscalated || conv.State != store.StateEscalated {
		t.Fatalf("expected escalated, got %s/%s", conv.Status, conv.State)
	}
	if conv.EscalationReason == "" {
		t.Fatal("expected escalation reason recorded")
	}
	if f.provider.callCount() != 0 {
		t.Fatal("trigger escalation must not call the model")
	}

	items, _ := f.store.ListQueueItems(ctx, store.QueueFilter{})
	if len(items) != 0 {
		t.Fatalf("expected empty queue, got %d items", len(items))
	}
}

func TestHandleGenerationFailureEscalates(t *testing.T) {
	f := newFixture(t)
	f.provider.err = errors.New("upstream broke")

	f.handleAndWait(t, inbound("hello", "m-1"))

	conv := f.conversation(t)
	if conv.Status != store.StatusEscalated {
		t.Fatalf("expected escalated after generation failure, got %s", conv.Status)
	}
}

func TestHandleEscalatedConversationRecordsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handleAndWait(t, inbound("оплакване", "m-1"))
	f.handleAndWait(t, inbound("are you there?", "m-2"))

	conv := f.conversation(t)
	msgs, _ := f.store.GetRecentMessages(ctx, conv.ID, 10)
	if len(msgs) != 2 {
		t.Fatalf("expected both messages recorded, got %d", len(msgs))
	}
	if conv.Status != store.StatusEscalated {
		t.Fatalf("conversation must stay escalated, got %s", conv.Status)
	}
	if f.provider.callCount() != 0 {
		t.Fatal("escalated conversations must not draft")
	}
}

func TestHandleTrustedAutoDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv := f.conversation(t)
	conv.Trusted = true
	if err := f.store.UpdateConversation(ctx, conv); err != nil {
		t.Fatalf("set trusted: %v", err)
	}

	f.handleAndWait(t, inbound("hello", "m-1"))

	if f.adapter.sendCount() != 1 {
		t.Fatalf("expected auto dispatch, got %d sends", f.adapter.sendCount())
	}

	after := f.conversation(t)
	if after.State != store.StateIdle {
		t.Fatalf("expected idle after auto dispatch, got %s", after.State)
	}
	msgs, _ := f.store.GetRecentMessages(ctx, after.ID, 10)
	if len(msgs) != 2 {
		t.Fatalf("expected inbound + outbound, got %d", len(msgs))
	}
	out := msgs[1]
	if out.Direction != store.DirectionOutbound || out.Origin != store.OriginAIDraft {
		t.Fatalf("unexpected outbound record: %s/%s", out.Direction, out.Origin)
	}
	if out.Seq != 2 {
		t.Fatalf("expected outbound seq 2, got %d", out.Seq)
	}

	items, _ := f.store.ListQueueItems(ctx, store.QueueFilter{})
	if len(items) != 0 {
		t.Fatal("auto dispatch must not enqueue")
	}
}

func TestAutoDispatchDoesNotBlockInbound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv := f.conversation(t)
	conv.Trusted = true
	if err := f.store.UpdateConversation(ctx, conv); err != nil {
		t.Fatalf("set trusted: %v", err)
	}

	f.adapter.started = make(chan struct{}, 1)
	f.adapter.release = make(chan struct{})

	if err := f.orch.Handle(ctx, inbound("hello", "m-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	<-f.adapter.started

	// With the platform send still in flight, a second inbound message must
	// go through without waiting on it.
	done := make(chan error, 1)
	go func() { done <- f.orch.Handle(ctx, inbound("оплакване", "m-2")) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second handle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound handling blocked behind an in-flight send")
	}

	close(f.adapter.release)
	f.orch.Wait()

	// The reply that was already on the wire is still recorded, after the
	// second message.
	after := f.conversation(t)
	if after.Status != store.StatusEscalated {
		t.Fatalf("expected escalated from the keyword, got %s", after.Status)
	}
	msgs, _ := f.store.GetRecentMessages(ctx, after.ID, 10)
	if len(msgs) != 3 {
		t.Fatalf("expected 2 inbound + 1 outbound, got %d", len(msgs))
	}
	out := msgs[2]
	if out.Direction != store.DirectionOutbound || out.Seq != 3 {
		t.Fatalf("unexpected outbound record: %s seq %d", out.Direction, out.Seq)
	}
}

// gatedProvider blocks the first chat call until released; later calls answer
// immediately with a distinct draft.
type gatedProvider struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func (g *gatedProvider) Chat(_ context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.mu.Unlock()

	if call == 1 {
		g.started <- struct{}{}
		<-g.release
		return &providers.ChatResponse{Content: "stale draft", FinishReason: "stop"}, nil
	}
	return &providers.ChatResponse{Content: "fresh draft", FinishReason: "stop"}, nil
}

func (g *gatedProvider) DefaultModel() string { return "test-model" }
func (g *gatedProvider) Name() string         { return "test" }

func TestStaleInFlightDraftDiscarded(t *testing.T) {
	p := &gatedProvider{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	f := newFixtureWithProvider(t, p)
	ctx := context.Background()

	if err := f.orch.Handle(ctx, inbound("first question", "m-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	<-p.started

	// Second message arrives while the first draft is still generating.
	if err := f.orch.Handle(ctx, inbound("newer question", "m-2")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// Wait for the second draft to land on the queue, then let the first
	// generation finish late.
	deadline := time.Now().Add(2 * time.Second)
	for {
		items, err := f.store.ListQueueItems(ctx, store.QueueFilter{State: store.QueuePending})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) == 1 && items[0].Draft == "fresh draft" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second draft never enqueued, have %+v", items)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(p.release)
	f.orch.Wait()

	pending, _ := f.store.ListQueueItems(ctx, store.QueueFilter{State: store.QueuePending})
	if len(pending) != 1 {
		t.Fatalf("expected exactly one pending item, got %d", len(pending))
	}
	if pending[0].Draft != "fresh draft" {
		t.Fatalf("late stale draft must be discarded, got %q", pending[0].Draft)
	}

	conv := f.conversation(t)
	if conv.State != store.StateAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", conv.State)
	}
}

func TestConcurrentInboundLeavesOnePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- f.orch.Handle(ctx, inbound(fmt.Sprintf("question %d", i), fmt.Sprintf("m-%d", i)))
		}(i)
	}
	wg.Wait()
	f.orch.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	pending, _ := f.store.ListQueueItems(ctx, store.QueueFilter{State: store.QueuePending})
	if len(pending) != 1 {
		t.Fatalf("expected exactly one pending item, got %d", len(pending))
	}

	conv := f.conversation(t)
	msgs, _ := f.store.GetRecentMessages(ctx, conv.ID, 20)
	if len(msgs) != n {
		t.Fatalf("expected %d inbound messages, got %d", n, len(msgs))
	}
	for i, msg := range msgs {
		if msg.Seq != int64(i+1) {
			t.Fatalf("expected dense seq, got %d at position %d", msg.Seq, i)
		}
	}
}

func TestResolveReturnsToIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handleAndWait(t, inbound("оплакване", "m-1"))
	conv := f.conversation(t)

	if err := f.orch.Resolve(ctx, conv.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	after := f.conversation(t)
	if after.Status != store.StatusActive || after.State != store.StateIdle {
		t.Fatalf("expected active/idle, got %s/%s", after.Status, after.State)
	}
	if after.EscalationReason != "" {
		t.Fatalf("expected cleared reason, got %q", after.EscalationReason)
	}

	escalated, _ := f.orch.ListEscalated(ctx)
	if len(escalated) != 0 {
		t.Fatalf("expected no escalated conversations, got %d", len(escalated))
	}
}

func TestTrustFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t)

	if err := f.orch.Trust(ctx, conv.ID, true); err != nil {
		t.Fatalf("trust: %v", err)
	}
	after := f.conversation(t)
	if !after.Trusted {
		t.Fatal("expected trusted flag set")
	}

	if err := f.orch.Trust(ctx, conv.ID, false); err != nil {
		t.Fatalf("untrust: %v", err)
	}
	after = f.conversation(t)
	if after.Trusted {
		t.Fatal("expected trusted flag cleared")
	}
}
