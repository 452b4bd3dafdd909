package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Bus delivers canonical events to exactly one channel per event type.
// Routing a type again replaces the previous route. Events of unrouted types
// are dropped.
type Bus struct {
	mu     sync.RWMutex
	routes map[Type]chan<- CanonicalEvent
}

func NewBus() *Bus {
	return &Bus{
		routes: make(map[Type]chan<- CanonicalEvent),
	}
}

// Route sends every event of type t to ch. Passing the same channel for
// several types keeps their relative order.
func (b *Bus) Route(t Type, ch chan<- CanonicalEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[t] = ch
}

// Unroute removes the delivery path for t.
func (b *Bus) Unroute(t Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.routes, t)
}

// Publish blocks until the routed consumer accepts the event or ctx ends,
// so delivery order matches publish order. It reports whether the event
// was delivered.
func (b *Bus) Publish(ctx context.Context, ev CanonicalEvent) bool {
	b.mu.RLock()
	ch, ok := b.routes[ev.Type]
	b.mu.RUnlock()

	if !ok {
		log.Debug().Str("event_type", string(ev.Type)).Msg("no route for event, dropping")
		return false
	}

	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
