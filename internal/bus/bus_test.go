package bus

import (
	"sync/atomic"
	"testing"
)

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := New()
	var a, c atomic.Int32
	b.Subscribe("a", func(Event) { a.Add(1) })
	b.Subscribe("c", func(Event) { c.Add(1) })

	b.Broadcast(Event{Name: EventSessionCreated, SessionID: "s1"})
	b.Broadcast(Event{Name: EventSessionDeleted, SessionID: "s1"})

	if a.Load() != 2 || c.Load() != 2 {
		t.Errorf("deliveries a=%d c=%d, want 2 each", a.Load(), c.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	var n atomic.Int32
	b.Subscribe("x", func(Event) { n.Add(1) })
	b.Unsubscribe("x")
	b.Broadcast(Event{Name: EventFilePush})
	if n.Load() != 0 {
		t.Errorf("unsubscribed handler called %d times", n.Load())
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
}

func TestHandlerMayUnsubscribeDuringBroadcast(t *testing.T) {
	b := New()
	b.Subscribe("self", func(Event) { b.Unsubscribe("self") })
	b.Broadcast(Event{Name: EventSessionDisconnected})
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
}

func TestNilBusBroadcast(t *testing.T) {
	var b *Bus
	b.Broadcast(Event{Name: EventPINRegenerated})
}
