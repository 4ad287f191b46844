// Package channels provides the platform adapter layer. An Adapter translates
// one platform's webhook payload and send API into the normalized
// bus.InboundEvent / send contract; the pipeline never branches on platform
// identity outside this package.
package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
)

var (
	// ErrMalformedPayload marks a webhook body missing required fields.
	// Non-retryable; rejected at the boundary.
	ErrMalformedPayload = errors.New("channels: malformed payload")

	// ErrUnverifiedSource marks a failed signature or secret check.
	// Non-retryable; rejected at the boundary.
	ErrUnverifiedSource = errors.New("channels: unverified source")

	// ErrIgnorableEvent marks a valid webhook that carries no user message
	// (delivery receipts, webhook pings, service events). Acknowledged with
	// 200 and never enters the pipeline.
	ErrIgnorableEvent = errors.New("channels: ignorable event")

	// ErrUnknownPlatform is returned by the registry for an unregistered name.
	ErrUnknownPlatform = errors.New("channels: unknown platform")
)

// SendErrorKind classifies a failed platform send.
type SendErrorKind string

const (
	SendTransient   SendErrorKind = "transient"    // retryable with backoff
	SendRateLimited SendErrorKind = "rate_limited" // retryable after RetryAfter
	SendPermanent   SendErrorKind = "permanent"    // never retried
)

// SendError is a classified failure from an adapter's Send.
type SendError struct {
	Kind       SendErrorKind
	RetryAfter time.Duration // only set for SendRateLimited
	Err        error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (%s): %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Retryable reports whether the dispatcher may retry this failure.
func (e *SendError) Retryable() bool { return e.Kind != SendPermanent }

// Adapter is the per-platform capability interface. Adapters are stateless
// beyond their credentials and hold no conversation data.
type Adapter interface {
	// Name returns the platform identifier (e.g. "viber", "telegram").
	Name() string

	// NormalizeInbound verifies and parses a raw webhook delivery.
	// Fails with ErrMalformedPayload, ErrUnverifiedSource or ErrIgnorableEvent.
	NormalizeInbound(header http.Header, body []byte) (bus.InboundEvent, error)

	// Send delivers text to the external user and returns the platform's
	// message id. Failures are *SendError.
	Send(ctx context.Context, externalUserID, text string) (string, error)
}

// Registry holds the configured adapters keyed by platform name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for the platform.
func (r *Registry) Get(platform string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return a, nil
}

// Names returns the registered platform names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// Truncate shortens a string to at most maxLen runes, appending "..." if
// truncated. Cuts on rune boundaries so multi-byte text stays valid.
func Truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
