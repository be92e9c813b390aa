// Package bus provides best-effort event fan-out between the core components
// and human-facing observers. Broadcast never blocks the caller's pipeline:
// each handler runs inside its own error boundary.
package bus

import (
	"log/slog"
	"sync"
)

// MessageBus is an in-process EventPublisher. Safe for concurrent use.
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates an empty bus.
func New() *MessageBus {
	return &MessageBus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under an id, replacing any previous handler
// with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes a handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to all subscribers. Handler panics are
// recovered and logged — a broken observer must never take down the pipeline.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panicked", "event", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

var _ EventPublisher = (*MessageBus)(nil)
