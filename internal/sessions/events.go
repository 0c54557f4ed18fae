package sessions

import "sync"

// Event is published on a Bus after a session change has been persisted.
type Event interface {
	event()
}

// OutboundSessionCreated reports a new outbound group session for a room.
// Rotated is false for the first session of a room and for sessions created
// after Discard.
type OutboundSessionCreated struct {
	RoomID    string
	SessionID string
	Rotated   bool
	Reason    string
}

// InboundSessionAdded reports a stored inbound group session.
type InboundSessionAdded struct {
	RoomID          string
	SenderKey       string
	SessionID       string
	FirstKnownIndex uint32
}

// PairwiseSessionCreated reports a new pairwise session with a device.
type PairwiseSessionCreated struct {
	SenderKey string
	SessionID string
	Inbound   bool
}

// ReplayDetected reports a group message index reused by a different event.
type ReplayDetected struct {
	RoomID          string
	SessionID       string
	Index           uint32
	EventID         string
	RecordedEventID string
}

// CorruptSessionSkipped reports a stored session that could not be decoded
// and was left out of a load.
type CorruptSessionSkipped struct {
	Kind string
	ID   string
}

func (OutboundSessionCreated) event() {}
func (InboundSessionAdded) event()    {}
func (PairwiseSessionCreated) event() {}
func (ReplayDetected) event()         {}
func (CorruptSessionSkipped) event()  {}

// Bus fans events out to subscribers. Handlers run synchronously on the
// publishing goroutine and must not call back into the manager that
// published the event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a func that removes it.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every subscriber. A nil bus drops the event.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
