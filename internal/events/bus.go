package events

import (
	"context"
	"sync"
	"time"
)

// Type identifies a broadcast event topic.
type Type string

const (
	// TypePermissionUpdated signals that an email's access to a room changed
	// (granted, modified, revoked, or the room was deleted).
	TypePermissionUpdated Type = "permissionUpdated"
	// TypeDocumentShared signals that a room was newly shared with an email;
	// dashboard views use it to pick up additions to "Shared with Me".
	TypeDocumentShared Type = "documentShared"
)

// Event is the ephemeral signal emitted after a permission-mutating action
// succeeds. It is advisory: consumers re-fetch authoritative state rather
// than trusting the payload.
type Event struct {
	Type      Type
	Email     string
	UserType  string
	RoomID    string
	Remote    bool
	Timestamp time.Time
}

// Publisher is the narrow interface mutation sites use to emit events.
type Publisher interface {
	Publish(event Event)
}

// Bus fans events out to per-email subscribers in-process. Delivery is
// best-effort: a subscriber with a full buffer misses the event and relies
// on its interval refresh to converge.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	relays      map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]map[int64]*subscriber),
		relays:      make(map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers interest in events addressed to the given email. The
// returned cancel function is idempotent; the subscription also ends when
// the context is done.
func (b *Bus) Subscribe(ctx context.Context, email string) (<-chan Event, func()) {
	if email == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan Event, b.bufferSize),
	}
	b.register(email, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.unregister(email, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// SubscribeAll registers a relay that observes every published local event,
// regardless of addressee. Used by the cross-process bridge.
func (b *Bus) SubscribeAll(ctx context.Context) (<-chan Event, func()) {
	sub := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan Event, b.bufferSize),
	}
	b.mu.Lock()
	b.relays[sub.id] = sub
	b.mu.Unlock()
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.relays, sub.id)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to subscribers of its email. Remote events are
// not re-offered to relays, which prevents bridge echo loops.
func (b *Bus) Publish(event Event) {
	if event.Email == "" || event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, 4)
	for _, sub := range b.subscribers[event.Email] {
		targets = append(targets, sub)
	}
	if !event.Remote {
		for _, sub := range b.relays {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (b *Bus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Bus) register(email string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[email]; !ok {
		b.subscribers[email] = make(map[int64]*subscriber)
	}
	b.subscribers[email][sub.id] = sub
}

func (b *Bus) unregister(email string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[email]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, email)
		}
	}
	b.mu.Unlock()
}
