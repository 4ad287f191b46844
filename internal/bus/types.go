// Package bus defines the normalized message contract between platform
// adapters and the pipeline, plus the event feed used to notify operator
// clients. Adapters translate platform-specific webhooks into InboundEvent;
// the dispatcher hands OutboundSend back to the adapter layer.
package bus

import "time"

// InboundEvent is a normalized inbound message from any platform.
type InboundEvent struct {
	Platform          string    `json:"platform"`
	ExternalUserID    string    `json:"external_user_id"`
	Text              string    `json:"text"`
	PlatformMessageID string    `json:"platform_message_id,omitempty"` // for webhook dedup
	ReceivedAt        time.Time `json:"received_at"`
}

// OutboundSend is the normalized payload handed to a platform adapter.
type OutboundSend struct {
	Platform       string `json:"platform"`
	ExternalUserID string `json:"external_user_id"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Event is a pipeline audit event broadcast to operator clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Pipeline event names emitted by the orchestrator, queue and dispatcher.
const (
	EventConversationCreated   = "conversation.created"
	EventConversationEscalated = "conversation.escalated"
	EventConversationResolved  = "conversation.resolved"
	EventMessageReceived       = "message.received"
	EventQueueEnqueued         = "queue.enqueued"
	EventQueueSuperseded       = "queue.superseded"
	EventQueueApproved         = "queue.approved"
	EventQueueRejected         = "queue.rejected"
	EventQueueExpired          = "queue.expired"
	EventDispatchSent          = "dispatch.sent"
	EventDispatchFailed        = "dispatch.failed"
)

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// The gateway's WebSocket feed and the AMQP audit publisher both sit behind it.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
