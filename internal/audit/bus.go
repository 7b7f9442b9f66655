package audit

import (
	"context"
	"log/slog"
	"sync"
)

// Bus is an in-process pub/sub audit bus. Subscribers receive events in real
// time; slow subscribers are skipped rather than blocking the emitter — the
// request path must never stall on an audit sink.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan *Event // event type -> channels
	allSubs     []chan *Event               // subscribers to all events
	logger      *slog.Logger
	bufferSize  int
}

// NewBus creates a new audit bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[EventType][]chan *Event),
		logger:      logger.With("component", "audit-bus"),
		bufferSize:  256,
	}
}

// Subscribe creates a channel that receives events of specific types.
// Pass no types to receive ALL events.
func (b *Bus) Subscribe(types ...EventType) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, t := range types {
			b.subscribers[t] = append(b.subscribers[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes a subscription channel from every index.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[t] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
}

// Emit masks identifiers, stamps request correlation, and fans the event out
// to matching subscribers. Never blocks: full subscriber buffers drop.
func (b *Bus) Emit(ctx context.Context, typ EventType, clientID, tokenID string, attrs map[string]any) {
	b.publish(newEvent(ctx, typ, clientID, tokenID, attrs))
}

func (b *Bus) publish(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	deliver := func(ch chan *Event) {
		select {
		case ch <- e:
		default:
			b.logger.Warn("audit subscriber buffer full, dropping event",
				"event_type", e.Type, "event_id", e.EventID)
		}
	}
	for _, ch := range b.subscribers[e.Type] {
		deliver(ch)
	}
	for _, ch := range b.allSubs {
		deliver(ch)
	}
}
