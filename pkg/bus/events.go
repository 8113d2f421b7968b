package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
	EventMalformed     EventType = "malformed_envelope"
	EventDispatched    EventType = "dispatched"
	EventSignaled      EventType = "signaled"
	EventHandlerDone   EventType = "handler_done"
	EventHandlerFailed EventType = "handler_failed"
)

// Event is a lifecycle notification. Delivery is best effort.
type Event struct {
	Type         EventType         `json:"type"`
	At           time.Time         `json:"at"`
	ConnectionID string            `json:"connection_id,omitempty"`
	PlatformID   string            `json:"platform_id,omitempty"`
	SessionKey   string            `json:"session_key,omitempty"`
	Service      string            `json:"service,omitempty"`
	Trigger      string            `json:"trigger,omitempty"`
	Payload      map[string]string `json:"payload,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// PublishEvent never blocks on subscribers; a full subscriber misses the event.
func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	mb.mu.RLock()
	subs := make([]chan Event, 0, len(mb.eventSubscribers))
	for _, ch := range mb.eventSubscribers {
		subs = append(subs, ch)
	}
	mb.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}

	return true
}

// SubscribeEvents registers a subscriber until ctx ends, the bus closes or
// the returned func is called. The channel is closed on unsubscribe.
func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
