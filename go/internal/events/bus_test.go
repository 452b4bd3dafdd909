package events

import (
	"context"
	"testing"
	"time"
)

func TestBusRoutesByType(t *testing.T) {
	bus := NewBus()
	ch := make(chan CanonicalEvent, 4)
	bus.Route(TypeFollow, ch)
	bus.Route(TypeBits, ch)

	ctx := context.Background()
	now := time.Now()
	if !bus.Publish(ctx, New(TypeFollow, "a", "chan", now)) {
		t.Fatal("follow should be delivered")
	}
	if !bus.Publish(ctx, New(TypeBits, "b", "chan", now).WithBits(100)) {
		t.Fatal("bits should be delivered")
	}
	if bus.Publish(ctx, New(TypeRaid, "c", "chan", now)) {
		t.Fatal("unrouted raid should be dropped")
	}

	first, second := <-ch, <-ch
	if first.Type != TypeFollow || second.Type != TypeBits || second.Bits != 100 {
		t.Fatalf("unexpected order or payload: %+v, %+v", first, second)
	}
}

func TestBusLastRouteWins(t *testing.T) {
	bus := NewBus()
	old := make(chan CanonicalEvent, 1)
	newer := make(chan CanonicalEvent, 1)
	bus.Route(TypeRaid, old)
	bus.Route(TypeRaid, newer)

	bus.Publish(context.Background(), New(TypeRaid, "r", "chan", time.Now()).WithViewers(5))

	select {
	case <-old:
		t.Fatal("replaced route still received the event")
	default:
	}
	if ev := <-newer; ev.Viewers != 5 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestBusPublishHonoursContext(t *testing.T) {
	bus := NewBus()
	bus.Route(TypeFollow, make(chan CanonicalEvent))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if bus.Publish(ctx, New(TypeFollow, "a", "chan", time.Now())) {
		t.Fatal("publish on a cancelled context should not report delivery")
	}
}
