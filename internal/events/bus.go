// Package events provides the typed publish/subscribe bus the engine uses
// to announce session and group lifecycle changes. There are no implicit
// global listeners: a bus is constructed, owned and threaded explicitly.
package events

import "sync"

// Type names an event category.
type Type string

const (
	SessionEstablished Type = "session.established"
	SessionClosed      Type = "session.closed"
	SessionExpired     Type = "session.expired"
	IdentityKeyChanged Type = "identity.key-changed"
	TrustChanged       Type = "verify.trust-changed"
	GroupRekeyed       Type = "group.rekeyed"
	GroupMemberAdded   Type = "group.member-added"
	GroupMemberRemoved Type = "group.member-removed"
)

// Event is what listeners receive.
type Event struct {
	Type Type
	// Payload is event-specific; listeners assert the concrete type
	// documented for each event.
	Payload any
}

// Disposer unregisters a listener. Calling it more than once is a no-op.
type Disposer func()

// Bus fans events out to registered listeners. Delivery is synchronous and
// in registration order; listeners must not block.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Type]map[int]func(Event)
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Type]map[int]func(Event))}
}

// Subscribe registers fn for events of type t and returns its disposer.
func (b *Bus) Subscribe(t Type, fn func(Event)) Disposer {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[t] == nil {
		b.subs[t] = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.subs[t][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[t], id)
		})
	}
}

// Publish delivers ev to every listener registered for its type.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs[ev.Type]))
	for _, fn := range b.subs[ev.Type] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
