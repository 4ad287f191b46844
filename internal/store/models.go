// Package store defines the persistence models and the repository interface
// consumed by the pipeline. Implementations live in store/sqlite (standalone)
// and store/pg (managed mode).
package store

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the operator-visible lifecycle of a conversation.
type ConversationStatus string

const (
	StatusActive    ConversationStatus = "active"
	StatusEscalated ConversationStatus = "escalated"
	StatusClosed    ConversationStatus = "closed"
)

// ConversationState is the pipeline state machine position.
type ConversationState string

const (
	StateIdle             ConversationState = "idle"
	StateAwaitingDraft    ConversationState = "awaiting_draft"
	StateAwaitingApproval ConversationState = "awaiting_approval"
	StateDispatching      ConversationState = "dispatching"
	StateEscalated        ConversationState = "escalated"
)

// Conversation is the durable thread with one external user on one platform.
// At most one row exists per (platform, external_user_id).
type Conversation struct {
	ID               uuid.UUID
	Platform         string
	ExternalUserID   string
	Status           ConversationStatus
	State            ConversationState
	Version          int64 // optimistic concurrency token, bumped on every update
	NextSeq          int64 // next message sequence, claimed under the conversation lock
	Trusted          bool  // operator-set flag enabling auto-approve
	EscalationReason string
	LastInboundAt    time.Time
	LastOutboundAt   time.Time
	CreatedAt        time.Time
}

// Direction of a message relative to the external user.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Origin records who produced the message body.
type Origin string

const (
	OriginUser        Origin = "user"
	OriginAIDraft     Origin = "ai_draft"
	OriginHumanEdited Origin = "human_edited"
	OriginSystem      Origin = "system"
)

// Message is one entry in a conversation. Immutable once created.
// Seq is the per-conversation total order assigned at lock acquisition,
// independent of webhook delivery order.
type Message struct {
	ID                uuid.UUID
	ConversationID    uuid.UUID
	Platform          string // denormalized for the platform-wide dedup index
	Seq               int64
	Direction         Direction
	Origin            Origin
	Body              string
	PlatformMessageID string // empty = none; unique per platform when set
	CreatedAt         time.Time
}

// QueueState is the lifecycle of an approval queue item.
type QueueState string

const (
	QueuePending  QueueState = "pending"
	QueueApproved QueueState = "approved"
	QueueRejected QueueState = "rejected"
	QueueExpired  QueueState = "expired"
)

// QueueItem is an AI draft awaiting an operator decision.
// At most one item per conversation may be pending at a time.
type QueueItem struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Platform       string // denormalized for list filtering
	Draft          string
	GeneratedAt    time.Time
	ExpiresAt      time.Time
	State          QueueState
	Attempts       int // dispatch attempts that rolled the item back to pending
}

// AgentOverride is an operator-edited agent config override for one platform.
// Zero values mean "inherit from file config". Read at decision time so
// changes take effect on the next inbound event.
type AgentOverride struct {
	Platform                string
	Provider                string
	Model                   string
	SystemPrompt            string
	ContextMessages         int
	RatePerConversationHour int
	GlobalPerMinute         int
	EscalationKeywords      []string
	QueueItemTTLSeconds     int
	DispatchMaxAttempts     int
	UpdatedAt               time.Time
}

// AttemptStatus is the outcome of a single dispatcher try.
type AttemptStatus string

const (
	AttemptSent   AttemptStatus = "sent"
	AttemptFailed AttemptStatus = "failed"
)

// OutboundAttempt records one dispatcher send try. The idempotency key groups
// retries of the same logical send; a successful attempt for a key
// short-circuits any later try.
type OutboundAttempt struct {
	ID                uuid.UUID
	IdempotencyKey    string
	QueueItemID       uuid.UUID // uuid.Nil for direct (auto-approved) sends
	ConversationID    uuid.UUID
	AttemptNumber     int
	Status            AttemptStatus
	PlatformMessageID string
	ErrorKind         string
	SentAt            *time.Time
	FailedAt          *time.Time
}
