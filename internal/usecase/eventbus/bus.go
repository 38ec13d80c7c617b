package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"opsdeck/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is the subscriber registry for gateway events. It outlives individual
// gateway connections; reconnects never touch it.
//
// Publish is synchronous: handlers for the exact name run first, then the
// wildcard handlers, each set in registration order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID atomic.Uint64
	logger *slog.Logger
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Publish delivers event to the handlers registered under its name and to all
// wildcard handlers. A panicking handler is recovered and logged; the rest
// still run.
func (b *Bus) Publish(event domain.Event) {
	b.mu.RLock()
	exact := append([]subscription(nil), b.subs[event.Name]...)
	var wildcard []subscription
	if event.Name != domain.WildcardEvent {
		wildcard = append(wildcard, b.subs[domain.WildcardEvent]...)
	}
	b.mu.RUnlock()

	for _, sub := range exact {
		b.dispatch(event, sub)
	}
	for _, sub := range wildcard {
		b.dispatch(event, sub)
	}
}

func (b *Bus) dispatch(event domain.Event, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", event.Name,
				"panic", r,
			)
		}
	}()
	sub.handler(event)
}

// Subscribe registers handler under name (domain.WildcardEvent for every
// event). The returned function removes exactly this registration and is
// safe to call more than once.
func (b *Bus) Subscribe(name string, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.subs[name] = append(b.subs[name], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[name]
		for i, s := range subs {
			if s.id == id {
				// Copy so that in-flight Publish snapshots stay intact.
				next := make([]subscription, 0, len(subs)-1)
				next = append(next, subs[:i]...)
				next = append(next, subs[i+1:]...)
				if len(next) == 0 {
					delete(b.subs, name)
				} else {
					b.subs[name] = next
				}
				return
			}
		}
	}
}

// Len returns the number of handlers registered under name.
func (b *Bus) Len(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}
