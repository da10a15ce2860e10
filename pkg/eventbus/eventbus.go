// Package eventbus provides the in-process event fabric connecting the
// protocol and governance components.
//
// Dispatch is synchronous: Publish invokes every handler registered for
// the event type, in subscription order, on the calling goroutine. A
// panicking handler is recovered and logged; the remaining handlers
// still run. There is no queuing and no cross-process delivery; this
// is a fan-out hub, not a broker.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var ErrBusClosed = fmt.Errorf("eventbus: bus closed")

// Event is a typed payload flowing through the bus.
type Event struct {
	Type    string
	Payload any
}

// Handler consumes events. Handlers run synchronously on the
// publisher's goroutine and must not block indefinitely.
type Handler func(Event)

// SubscriptionID identifies a single subscription for Unsubscribe.
type SubscriptionID string

type subscription struct {
	id   SubscriptionID
	fn   Handler
	once bool
}

// Bus is an explicitly constructed, synchronous publish/subscribe hub.
// Tests can instantiate independent buses; there is no package-level
// instance.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]*subscription
	index    map[SubscriptionID]string
	logger   *slog.Logger
	closed   bool
}

// New creates an empty bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]*subscription),
		index:    make(map[SubscriptionID]string),
		logger:   logger,
	}
}

// Subscribe registers a handler for eventType and returns its
// subscription id.
func (b *Bus) Subscribe(eventType string, fn Handler) SubscriptionID {
	return b.subscribe(eventType, fn, false)
}

// SubscribeOnce registers a handler that is removed before its first
// invocation. A handler that re-publishes the same event type cannot
// re-trigger itself.
func (b *Bus) SubscribeOnce(eventType string, fn Handler) SubscriptionID {
	return b.subscribe(eventType, fn, true)
}

func (b *Bus) subscribe(eventType string, fn Handler, once bool) SubscriptionID {
	id := SubscriptionID(uuid.New().String())
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return id
	}
	b.handlers[eventType] = append(b.handlers[eventType], &subscription{id: id, fn: fn, once: once})
	b.index[id] = eventType
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	eventType, ok := b.index[id]
	if !ok {
		return
	}
	delete(b.index, id)
	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// Publish delivers the event to every handler registered for its type,
// in subscription order. Once-subscriptions are removed before their
// handler runs. Handlers added during dispatch do not observe the
// current event.
func (b *Bus) Publish(eventType string, payload any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	subs := b.handlers[eventType]
	snapshot := make([]*subscription, len(subs))
	copy(snapshot, subs)
	// Remove once-subscriptions before any handler runs.
	remaining := subs[:0]
	for _, s := range subs {
		if s.once {
			delete(b.index, s.id)
			continue
		}
		remaining = append(remaining, s)
	}
	b.handlers[eventType] = remaining
	b.mu.Unlock()

	event := Event{Type: eventType, Payload: payload}
	for _, s := range snapshot {
		b.invoke(s, event)
	}
	return nil
}

// invoke isolates handler panics so one bad handler never prevents the
// rest from observing the event.
func (b *Bus) invoke(s *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", event.Type,
				"subscription_id", string(s.id),
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()
	s.fn(event)
}

// Close stops the bus. Subsequent Publish calls return ErrBusClosed;
// subscriptions are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]*subscription)
	b.index = make(map[SubscriptionID]string)
}
