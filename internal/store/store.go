package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by UpdateConversation when the
	// compare-and-set on the conversation version fails.
	ErrVersionConflict = errors.New("store: conversation version conflict")

	// ErrQueueConflict is returned by ResolveQueueItem when the item is not
	// in the expected state (concurrent resolution, expiry race).
	ErrQueueConflict = errors.New("store: queue item already resolved")

	// ErrDuplicateMessage is returned by AppendMessage when the platform
	// message id was already recorded for the platform.
	ErrDuplicateMessage = errors.New("store: duplicate platform message id")
)

// QueueFilter narrows ListQueueItems. Zero values mean "any".
type QueueFilter struct {
	Platform string
	State    QueueState
}

// ConversationStore is the narrow persistence interface the pipeline needs
// for conversations and messages.
type ConversationStore interface {
	// GetOrCreateConversation returns the conversation for the pair,
	// creating it on first contact. The second return reports creation.
	GetOrCreateConversation(ctx context.Context, platform, externalUserID string) (*Conversation, bool, error)

	GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)

	// UpdateConversation persists conv with a compare-and-set on Version:
	// the row is written only if its stored version equals conv.Version,
	// and conv.Version is incremented on success.
	UpdateConversation(ctx context.Context, conv *Conversation) error

	ListEscalated(ctx context.Context) ([]*Conversation, error)

	// AppendMessage inserts an immutable message. Fails with
	// ErrDuplicateMessage when PlatformMessageID is set and already known.
	AppendMessage(ctx context.Context, msg *Message) error

	// GetRecentMessages returns the newest limit messages in ascending
	// sequence order.
	GetRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*Message, error)

	HasPlatformMessageID(ctx context.Context, platform, platformMessageID string) (bool, error)

	// CountOutboundSince counts outbound messages for the conversation with
	// CreatedAt >= since. Used by the per-conversation rate window.
	CountOutboundSince(ctx context.Context, conversationID uuid.UUID, since time.Time) (int, error)
}

// QueueStore persists approval queue items.
type QueueStore interface {
	// InsertQueueItemSuperseding atomically expires any pending item for the
	// conversation and inserts item as the new pending one. Returns the
	// superseded item, or nil if none existed.
	InsertQueueItemSuperseding(ctx context.Context, item *QueueItem) (*QueueItem, error)

	GetQueueItem(ctx context.Context, id uuid.UUID) (*QueueItem, error)

	// ListQueueItems returns items matching the filter, pending first,
	// oldest first within each state.
	ListQueueItems(ctx context.Context, filter QueueFilter) ([]*QueueItem, error)

	// ResolveQueueItem transitions the item from state `from` to `to`.
	// Fails with ErrQueueConflict when the item is not in `from`.
	ResolveQueueItem(ctx context.Context, id uuid.UUID, from, to QueueState) error

	// RollbackQueueItem returns an approved item to pending after a failed
	// dispatch, incrementing its attempt counter.
	RollbackQueueItem(ctx context.Context, id uuid.UUID) error

	// ExpireOverdue marks pending items whose ExpiresAt has passed as
	// expired and returns them.
	ExpireOverdue(ctx context.Context, now time.Time) ([]*QueueItem, error)
}

// AttemptStore persists dispatcher attempt records for idempotency and audit.
type AttemptStore interface {
	InsertAttempt(ctx context.Context, att *OutboundAttempt) error

	// FindSuccessfulAttempt returns the sent attempt for the key, or nil.
	FindSuccessfulAttempt(ctx context.Context, idempotencyKey string) (*OutboundAttempt, error)

	// ListAttempts returns all attempts for the key in attempt order.
	ListAttempts(ctx context.Context, idempotencyKey string) ([]*OutboundAttempt, error)
}

// ConfigStore persists operator-edited agent config overrides so that
// updateAgentConfig survives restarts. File config supplies the defaults.
type ConfigStore interface {
	// GetAgentOverride returns the stored override for the platform, or nil.
	GetAgentOverride(ctx context.Context, platform string) (*AgentOverride, error)

	PutAgentOverride(ctx context.Context, ov *AgentOverride) error
}

// Store bundles the per-concern stores behind one handle.
type Store interface {
	ConversationStore
	QueueStore
	AttemptStore
	ConfigStore

	Close() error
}
