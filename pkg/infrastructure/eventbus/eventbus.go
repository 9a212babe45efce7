// Package eventbus provides the in-process implementation of the domain
// event bus. This is the infrastructure adapter for domain.EventBus.
package eventbus

import (
	"sync"

	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/logger"
)

const defaultBuffer = 256

// AsyncEventBus dispatches events on a dedicated goroutine so slow
// subscribers (Slack delivery, WebSocket fan-out) never block the
// assignment engine. Publish is non-blocking: when the buffer is full the
// event is dropped and counted rather than stalling the publisher.
type AsyncEventBus struct {
	handlers    map[domain.EventType][]domain.EventHandler
	allHandlers []domain.EventHandler
	mu          sync.RWMutex

	queue   chan domain.Event
	done    chan struct{}
	closed  bool
	dropped int64
}

// New creates and starts an async event bus.
func New() *AsyncEventBus {
	b := &AsyncEventBus{
		handlers:    make(map[domain.EventType][]domain.EventHandler),
		allHandlers: make([]domain.EventHandler, 0),
		queue:       make(chan domain.Event, defaultBuffer),
		done:        make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *AsyncEventBus) run() {
	for event := range b.queue {
		b.dispatch(event)
	}
	close(b.done)
}

func (b *AsyncEventBus) dispatch(event domain.Event) {
	b.mu.RLock()
	typed := b.handlers[event.EventType()]
	global := b.allHandlers
	b.mu.RUnlock()

	// Typed handlers first, then global handlers.
	for _, handler := range typed {
		handler(event)
	}
	for _, handler := range global {
		handler(event)
	}
}

// Publish enqueues an event for dispatch. Never blocks.
func (b *AsyncEventBus) Publish(event domain.Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	select {
	case b.queue <- event:
	default:
		b.mu.Lock()
		b.dropped++
		dropped := b.dropped
		b.mu.Unlock()
		logger.WarnCF("eventbus", "Event dropped, queue full", map[string]interface{}{
			"type":    string(event.EventType()),
			"dropped": dropped,
		})
	}
}

// PublishAll enqueues multiple events (e.g., from AggregateRoot.PullEvents).
func (b *AsyncEventBus) PublishAll(events []domain.Event) {
	for _, event := range events {
		b.Publish(event)
	}
}

// Subscribe registers a handler for a specific event type.
func (b *AsyncEventBus) Subscribe(eventType domain.EventType, handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *AsyncEventBus) SubscribeAll(handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, handler)
}

// Close stops accepting events and waits for the queue to drain.
func (b *AsyncEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.queue)
	<-b.done
}

// Dropped returns how many events were discarded on a full queue.
func (b *AsyncEventBus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// HandlerCount returns the total number of registered handlers (for diagnostics).
func (b *AsyncEventBus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allHandlers)
	for _, handlers := range b.handlers {
		count += len(handlers)
	}
	return count
}

// Verify interface compliance at compile time.
var _ domain.EventBus = (*AsyncEventBus)(nil)
