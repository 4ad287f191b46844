// Package events publishes pipeline audit events to an external broker.
// Events are wrapped in a stable envelope so downstream consumers (billing,
// analytics, alerting) can route on the type without parsing the payload.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
)

// Meta identifies one published event.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
}

// Envelope is the wire format for audit events.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data,omitempty"`
}

// Publisher delivers audit envelopes to an external sink.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// LogPublisher is the fallback sink when no broker is configured: envelopes
// are logged and dropped.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, key string, env Envelope) error {
	slog.Debug("events.published", "key", key, "type", env.Meta.Type, "id", env.Meta.ID)
	return nil
}

func (LogPublisher) Close() error { return nil }

// Bridge subscribes a Publisher to the in-process event feed. Publish
// failures are logged, never propagated: audit delivery must not block the
// pipeline.
func Bridge(feed bus.EventPublisher, pub Publisher) {
	feed.Subscribe("audit-publisher", func(ev bus.Event) {
		env := NewEnvelope(ev.Name, ev.Payload)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pub.Publish(ctx, ev.Name, env); err != nil {
			slog.Warn("events.publish_failed", "type", ev.Name, "error", err)
		}
	})
}
