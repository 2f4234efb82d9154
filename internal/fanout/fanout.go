// Package fanout tracks which transport connections are subscribed to which
// sessions and delivers outbound messages to subscribers.
//
// Delivery is best-effort by contract: Send on a Conn must never block the
// caller, so a stalled client cannot stall a session's turn.
package fanout

import "sync"

// Conn is one transport connection as seen by the registry.
type Conn interface {
	// ID returns the unique connection id.
	ID() string
	// Send delivers a JSON message. Best-effort; must not block.
	Send(msg any)
	// SendBinary delivers a binary frame. Best-effort; must not block.
	SendBinary(data []byte)
}

// Registry is the process-wide connection-to-session map, constructed once
// at startup and injected into every component that routes messages.
type Registry struct {
	mu         sync.RWMutex
	bySession  map[string]map[string]Conn
	sessionsBy map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySession:  make(map[string]map[string]Conn),
		sessionsBy: make(map[string]map[string]struct{}),
	}
}

// Subscribe binds conn to a session. Idempotent.
func (r *Registry) Subscribe(sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.bySession[sessionID]
	if !ok {
		subs = make(map[string]Conn)
		r.bySession[sessionID] = subs
	}
	subs[conn.ID()] = conn

	sessions, ok := r.sessionsBy[conn.ID()]
	if !ok {
		sessions = make(map[string]struct{})
		r.sessionsBy[conn.ID()] = sessions
	}
	sessions[sessionID] = struct{}{}
}

// Unsubscribe removes a single session binding.
func (r *Registry) Unsubscribe(sessionID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.bySession[sessionID]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(r.bySession, sessionID)
		}
	}
	if sessions, ok := r.sessionsBy[connID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.sessionsBy, connID)
		}
	}
}

// Drop removes every binding for a closed connection.
func (r *Registry) Drop(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sessionID := range r.sessionsBy[connID] {
		if subs, ok := r.bySession[sessionID]; ok {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(r.bySession, sessionID)
			}
		}
	}
	delete(r.sessionsBy, connID)
}

// Broadcast sends msg to every subscriber of a session.
func (r *Registry) Broadcast(sessionID string, msg any) {
	for _, conn := range r.snapshot(sessionID) {
		conn.Send(msg)
	}
}

// BroadcastExcept sends msg to every subscriber except the named connection,
// typically the sender.
func (r *Registry) BroadcastExcept(sessionID, exceptConnID string, msg any) {
	for _, conn := range r.snapshot(sessionID) {
		if conn.ID() == exceptConnID {
			continue
		}
		conn.Send(msg)
	}
}

// BroadcastBinary sends a binary frame to every subscriber of a session.
func (r *Registry) BroadcastBinary(sessionID string, data []byte) {
	for _, conn := range r.snapshot(sessionID) {
		conn.SendBinary(data)
	}
}

// SubscriberCount returns the number of connections bound to a session.
func (r *Registry) SubscriberCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession[sessionID])
}

// Sessions returns the session ids a connection is bound to.
func (r *Registry) Sessions(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessionsBy[connID]))
	for id := range r.sessionsBy[connID] {
		out = append(out, id)
	}
	return out
}

// snapshot copies the subscriber list so sends happen outside the lock.
func (r *Registry) snapshot(sessionID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.bySession[sessionID]
	out := make([]Conn, 0, len(subs))
	for _, conn := range subs {
		out = append(out, conn)
	}
	return out
}
