package event

import (
	"sync"
	"time"
)

// Store is the append-only log of chat lifecycle events keyed by session,
// with replay for late-joining connections and live subscription through
// the bus. Records live only for the process lifetime.
type Store struct {
	bus *Bus

	mu   sync.RWMutex
	logs map[string][]Event
}

// NewStore creates a store publishing through bus.
func NewStore(bus *Bus) *Store {
	return &Store{bus: bus, logs: make(map[string][]Event)}
}

// Append records an event in order and publishes it.
func (s *Store) Append(e Event) {
	if e.At == 0 {
		e.At = time.Now().UnixMilli()
	}
	s.mu.Lock()
	s.logs[e.SessionID] = append(s.logs[e.SessionID], e)
	s.mu.Unlock()

	s.bus.PublishSync(e)
}

// Replay returns a copy of the recorded events for a session in append order.
func (s *Store) Replay(sessionID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[sessionID]
	out := make([]Event, len(log))
	copy(out, log)
	return out
}

// Subscribe registers for live events of one type.
func (s *Store) Subscribe(t Type, fn Subscriber) func() {
	return s.bus.Subscribe(t, fn)
}

// SubscribeAll registers for all live events.
func (s *Store) SubscribeAll(fn Subscriber) func() {
	return s.bus.SubscribeAll(fn)
}
