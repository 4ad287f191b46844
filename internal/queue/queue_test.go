package queue

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
	"github.com/nextlevelbuilder/replydesk/internal/locks"
	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/internal/store/sqlite"
)

type fakeAdapter struct {
	mu      sync.Mutex
	results []error
	calls   int
	sent    []string
	onSend  func()
}

func (f *fakeAdapter) Name() string { return "viber" }

func (f *fakeAdapter) NormalizeInbound(http.Header, []byte) (bus.InboundEvent, error) {
	return bus.InboundEvent{}, channels.ErrIgnorableEvent
}

func (f *fakeAdapter) Send(_ context.Context, _, text string) (string, error) {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.results) && f.results[idx] != nil {
		return "", f.results[idx]
	}
	f.sent = append(f.sent, text)
	return fmt.Sprintf("pm-%d", f.calls), nil
}

func (f *fakeAdapter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	store   store.Store
	service *Service
	adapter *fakeAdapter
}

func newFixture(t *testing.T, adapter *fakeAdapter) *fixture {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{}
	cfg.Agents.Defaults = config.AgentConfig{
		DispatchMaxAttempts: 2,
		DispatchBaseDelay:   "1ms",
		DispatchMaxDelay:    "5ms",
		QueueItemTTL:        "30m",
	}

	registry := channels.NewRegistry()
	registry.Register(adapter)

	feed := bus.NewBroadcaster()
	d := dispatch.New(registry, st, feed)
	resolver := config.NewResolver(cfg, st)
	svc := New(st, d, resolver, locks.NewTable(), feed)
	return &fixture{store: st, service: svc, adapter: adapter}
}

func (f *fixture) newConversation(t *testing.T) *store.Conversation {
	t.Helper()
	conv, _, err := f.store.GetOrCreateConversation(context.Background(), "viber", "user-1")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func (f *fixture) enqueue(t *testing.T, conv *store.Conversation, draft string) *store.QueueItem {
	t.Helper()
	item, err := f.service.Enqueue(context.Background(), conv, draft, config.AgentConfig{QueueItemTTL: "30m"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return item
}

func TestApproveDispatchesAndRecords(t *testing.T) {
	f := newFixture(t, &fakeAdapter{})
	ctx := context.Background()
	conv := f.newConversation(t)
	item := f.enqueue(t, conv, "thanks for reaching out")

	if err := f.service.Approve(ctx, item.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	got, _ := f.store.GetQueueItem(ctx, item.ID)
	if got.State != store.QueueApproved {
		t.Fatalf("expected approved, got %s", got.State)
	}

	msgs, _ := f.store.GetRecentMessages(ctx, conv.ID, 10)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 outbound message, got %d", len(msgs))
	}
	if msgs[0].Direction != store.DirectionOutbound || msgs[0].Origin != store.OriginAIDraft {
		t.Fatalf("unexpected message: %s/%s", msgs[0].Direction, msgs[0].Origin)
	}
	if msgs[0].Body != "thanks for reaching out" {
		t.Fatalf("unexpected body: %q", msgs[0].Body)
	}

	after, _ := f.store.GetConversation(ctx, conv.ID)
	if after.NextSeq != 2 {
		t.Fatalf("expected next_seq 2, got %d", after.NextSeq)
	}
	if after.LastOutboundAt.IsZero() {
		t.Fatal("expected last_outbound_at set")
	}
}

func TestApproveTransitionsThroughDispatching(t *testing.T) {
	adapter := &fakeAdapter{}
	f := newFixture(t, adapter)
	ctx := context.Background()
	conv := f.newConversation(t)

	conv.State = store.StateAwaitingApproval
	if err := f.store.UpdateConversation(ctx, conv); err != nil {
		t.Fatalf("set state: %v", err)
	}
	item := f.enqueue(t, conv, "draft")

	var stateAtSend store.ConversationState
	adapter.onSend = func() {
		c, err := f.store.GetConversation(ctx, conv.ID)
		if err != nil {
			t.Errorf("load conversation during send: %v", err)
			return
		}
		stateAtSend = c.State
	}

	if err := f.service.Approve(ctx, item.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if stateAtSend != store.StateDispatching {
		t.Fatalf("expected dispatching during the send, got %s", stateAtSend)
	}

	after, _ := f.store.GetConversation(ctx, conv.ID)
	if after.State != store.StateIdle {
		t.Fatalf("expected idle after the send, got %s", after.State)
	}
}

func TestApproveWithEditedText(t *testing.T) {
	f := newFixture(t, &fakeAdapter{})
	ctx := context.Background()
	conv := f.newConversation(t)
	item := f.enqueue(t, conv, "draft text")

	if err := f.service.Approve(ctx, item.ID, "hand-polished text"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	msgs, _ := f.store.GetRecentMessages(ctx, conv.ID, 10)
	if len(msgs) != 1 || msgs[0].Origin != store.OriginHumanEdited {
		t.Fatalf("expected human_edited message, got %+v", msgs)
	}
	if msgs[0].Body != "hand-polished text" {
		t.Fatalf("expected edited body, got %q", msgs[0].Body)
	}
}

func TestDoubleApproveSingleSend(t *testing.T) {
	f := newFixture(t, &fakeAdapter{})
	ctx := context.Background()
	conv := f.newConversation(t)
	item := f.enqueue(t, conv, "draft")

	if err := f.service.Approve(ctx, item.ID, ""); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	err := f.service.Approve(ctx, item.ID, "")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if f.adapter.sendCount() != 1 {
		t.Fatalf("expected exactly one platform send, got %d", f.adapter.sendCount())
	}
}

func TestApproveAfterSupersedeIsNoOp(t *testing.T) {
	f := newFixture(t, &fakeAdapter{})
	ctx := context.Background()
	conv := f.newConversation(t)

	first := f.enqueue(t, conv, "draft one")
	second := f.enqueue(t, conv, "draft two")

	err := f.service.Approve(ctx, first.ID, "")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected superseded item to be already resolved, got %v", err)
	}
	if err := f.service.Approve(ctx, second.ID, ""); err != nil {
		t.Fatalf("approve second: %v", err)
	}
	if f.adapter.sendCount() != 1 {
		t.Fatalf("expected one send, got %d", f.adapter.sendCount())
	}
}

func TestApproveDispatchFailureRollsBackAndEscalates(t *testing.T) {
	adapter := &fakeAdapter{results: []error{
		&channels.SendError{Kind: channels.SendTransient, Err: errors.New("down")},
		&channels.SendError{Kind: channels.SendTransient, Err: errors.New("down")},
	}}
	f := newFixture(t, adapter)
	ctx := context.Background()
	conv := f.newConversation(t)
	item := f.enqueue(t, conv, "draft")

	if err := f.service.Approve(ctx, item.ID, ""); err == nil {
		t.Fatal("expected approve to fail")
	}

	got, _ := f.store.GetQueueItem(ctx, item.ID)
	if got.State != store.QueuePending || got.Attempts != 1 {
		t.Fatalf("expected rolled back pending item with attempts=1, got %s/%d", got.State, got.Attempts)
	}

	after, _ := f.store.GetConversation(ctx, conv.ID)
	if after.Status != store.StatusEscalated {
		t.Fatalf("expected escalated conversation, got %s", after.Status)
	}

	msgs, _ := f.store.GetRecentMessages(ctx, conv.ID, 10)
	if len(msgs) != 0 {
		t.Fatalf("failed dispatch must not record an outbound message, got %d", len(msgs))
	}
}

func TestReject(t *testing.T) {
	f := newFixture(t, &fakeAdapter{})
	ctx := context.Background()
	conv := f.newConversation(t)

	conv.State = store.StateAwaitingApproval
	if err := f.store.UpdateConversation(ctx, conv); err != nil {
		t.Fatalf("set state: %v", err)
	}
	item := f.enqueue(t, conv, "draft")

	if err := f.service.Reject(ctx, item.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}

	got, _ := f.store.GetQueueItem(ctx, item.ID)
	if got.State != store.QueueRejected {
		t.Fatalf("expected rejected, got %s", got.State)
	}
	after, _ := f.store.GetConversation(ctx, conv.ID)
	if after.State != store.StateIdle {
		t.Fatalf("expected idle conversation, got %s", after.State)
	}
	if f.adapter.sendCount() != 0 {
		t.Fatal("reject must never send")
	}
}

func TestSweepExpiresOverdueItems(t *testing.T) {
	f := newFixture(t, &fakeAdapter{})
	ctx := context.Background()
	conv := f.newConversation(t)

	conv.State = store.StateAwaitingApproval
	if err := f.store.UpdateConversation(ctx, conv); err != nil {
		t.Fatalf("set state: %v", err)
	}

	// TTL in the past so the sweep picks it up immediately.
	item, err := f.service.Enqueue(ctx, conv, "stale draft", config.AgentConfig{QueueItemTTL: "1ns"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(time.Millisecond)

	f.service.sweepOnce(ctx)

	got, _ := f.store.GetQueueItem(ctx, item.ID)
	if got.State != store.QueueExpired {
		t.Fatalf("expected expired, got %s", got.State)
	}
	after, _ := f.store.GetConversation(ctx, conv.ID)
	if after.State != store.StateIdle {
		t.Fatalf("expected idle conversation after expiry, got %s", after.State)
	}
}
