// Package eventbus provides the in-process event surface for review runs.
//
// Events are observational: the workflow emits them for progress streaming
// and telemetry, and never depends on a subscriber having run. Subscriber
// errors are logged and never propagated back to the emitter.
package eventbus

import (
	"sync"
)

// Handler consumes one published event.
type Handler func(eventType string, payload map[string]any) error

// Emitter is the write side of the bus. Nodes and phase runners emit
// through this interface so tests can capture events without a real bus.
type Emitter interface {
	Emit(eventType string, payload map[string]any)
}

// Logger is the minimal logging interface the bus needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Bus is a thread-safe in-memory event bus with concurrent fan-out.
type Bus struct {
	subscribers map[string][]Handler
	logger      Logger
	mu          sync.RWMutex
}

// New creates an empty Bus. logger may be nil.
func New(logger Logger) *Bus {
	return &Bus{
		subscribers: make(map[string][]Handler),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type. The wildcard type "*"
// receives every event. Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType string, handler Handler) func() {
	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
	idx := len(b.subscribers[eventType]) - 1
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		if idx < len(subs) && subs[idx] != nil {
			subs[idx] = nil
		}
	}
}

// Emit publishes an event to all subscribers of its type plus wildcard
// subscribers. Fan-out is concurrent; Emit returns after all handlers
// finish. Handler errors are logged, never returned.
func (b *Bus) Emit(eventType string, payload map[string]any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[eventType])+len(b.subscribers["*"]))
	for _, h := range b.subscribers[eventType] {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	for _, h := range b.subscribers["*"] {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		if b.logger != nil {
			b.logger.Debug("no subscribers for event", "event_type", eventType)
		}
		return
	}

	var wg sync.WaitGroup
	for i, handler := range handlers {
		wg.Add(1)
		go func(idx int, h Handler) {
			defer wg.Done()
			if err := h(eventType, payload); err != nil && b.logger != nil {
				b.logger.Warn("event subscriber failed",
					"event_type", eventType, "subscriber", idx, "error", err)
			}
		}(i, handler)
	}
	wg.Wait()
}

// SubscriberCount reports the number of live subscribers for an event type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, h := range b.subscribers[eventType] {
		if h != nil {
			count++
		}
	}
	return count
}

// Clear removes all subscribers. Useful for tests.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string][]Handler)
}

var _ Emitter = (*Bus)(nil)

// NopEmitter discards all events.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(string, map[string]any) {}

var _ Emitter = NopEmitter{}
