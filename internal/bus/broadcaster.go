package bus

import "sync"

// Broadcaster is an in-process fan-out EventPublisher.
// Handlers run synchronously on the broadcasting goroutine; subscribers that
// need to block (e.g. WebSocket writes) must buffer internally.
type Broadcaster struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under the given id, replacing any previous one.
func (b *Broadcaster) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to all current subscribers.
func (b *Broadcaster) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
