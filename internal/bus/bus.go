// Package bus fans host events (session changes, file pushes, stream
// failures) out to in-process subscribers such as open control channels.
package bus

import (
	"sync"
)

// Event names.
const (
	EventSessionCreated      = "session.created"
	EventSessionActivated    = "session.activated"
	EventSessionDisconnected = "session.disconnected"
	EventSessionDeleted      = "session.deleted"
	EventRightsChanged       = "session.rights_changed"
	EventFilePush            = "file.push"
	EventStreamTerminated    = "stream.terminated"
	EventPINRegenerated      = "pairing.pin_regenerated"
	EventPairingToggled      = "pairing.toggled"
)

// Event is a single notification. SessionID is empty for host-wide events.
type Event struct {
	Name      string
	SessionID string
	Payload   interface{}
}

// EventHandler must not block; slow work belongs on the subscriber's own
// goroutine.
type EventHandler func(Event)

// Bus is a synchronous broadcast bus.
type Bus struct {
	subscribers map[string]EventHandler
	subMu       sync.RWMutex
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]EventHandler),
	}
}

// Subscribe registers handler under id, replacing any previous handler with
// the same id.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers event to every subscriber. A nil bus drops the event.
func (b *Bus) Broadcast(event Event) {
	if b == nil {
		return
	}
	b.subMu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.subMu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.subscribers)
}
