// Package event provides the chat lifecycle event bus and the append-only
// per-session event store, built on watermill's gochannel pub/sub.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type identifies a chat lifecycle event.
type Type string

const (
	TurnStart      Type = "turn_start"
	UserMessage    Type = "user_message"
	AssistantDone  Type = "assistant_done"
	TurnEnd        Type = "turn_end"
	SessionCreated Type = "session.created"
	SessionUpdated Type = "session.updated"
)

// Event is one record in a session's lifecycle log.
type Event struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId,omitempty"`
	At        int64  `json:"at"`
	Data      any    `json:"data,omitempty"`
}

// Subscriber receives published events.
type Subscriber func(Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus manages pub/sub for lifecycle events. It keeps watermill's gochannel
// as the delivery backbone while tracking typed subscribers directly so
// events keep their Go types.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[Type][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
	cancel context.CancelFunc
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	_, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
		subscribers: make(map[Type][]subscriberEntry),
		cancel:      cancel,
	}
}

// Subscribe registers a subscriber for one event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.subscribers[t] = append(b.subscribers[t], subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribeGlobal(id) }
}

// Publish delivers an event to all subscribers asynchronously; a slow
// subscriber never blocks the publisher.
func (b *Bus) Publish(e Event) {
	for _, fn := range b.collect(e.Type) {
		go fn(e)
	}
}

// PublishSync delivers an event to all subscribers in the calling goroutine.
func (b *Bus) PublishSync(e Event) {
	for _, fn := range b.collect(e.Type) {
		fn(e)
	}
}

func (b *Bus) collect(t Type) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	subs := make([]Subscriber, 0, len(b.subscribers[t])+len(b.global))
	for _, entry := range b.subscribers[t] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[t]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return
		}
	}
}

// Close shuts down the bus; further publishes are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	b.subscribers = make(map[Type][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}
