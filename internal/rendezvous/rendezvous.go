// Package rendezvous correlates asynchronously observed tool-call events with
// waiting logical operations.
//
// Subprocess agents emit tool-call events on their own schedule with no
// correlation id linking them to the surface-level operation that triggered
// them. Callers register a scoring function; recorded entries are matched
// against it, with an optional bounded wait and a fallback predicate applied
// only once the wait elapses.
package rendezvous

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long a recorded entry stays matchable.
const DefaultTTL = 2 * time.Minute

// Entry is a recorded tool-call observation.
type Entry struct {
	SessionID  string
	CallID     string
	ToolName   string
	Args       map[string]any
	TurnID     string
	ResponseID string
	RecordedAt time.Time
}

// Request describes a pending match.
type Request struct {
	SessionID string
	// Score rates a candidate entry; only scores > 0 match. The
	// highest-scoring entry wins, ties broken by earliest record time.
	Score func(*Entry) float64
	// Wait suspends the match until an entry scores > 0 or the wait
	// elapses. Zero means scan-only.
	Wait time.Duration
	// Fallback, if set, selects the first still-present entry satisfying
	// it when the wait elapses without a scored match.
	Fallback func(*Entry) bool
}

type waiter struct {
	score func(*Entry) float64
	ch    chan *Entry
}

// Matcher is the process-wide rendezvous log.
type Matcher struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries []*Entry
	waiters map[string][]*waiter

	now func() time.Time
}

// New creates a matcher with the given entry TTL. ttl <= 0 uses DefaultTTL.
func New(ttl time.Duration) *Matcher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Matcher{
		ttl:     ttl,
		waiters: make(map[string][]*waiter),
		now:     time.Now,
	}
}

// Record appends an observation and resolves any waiter it satisfies.
// Expired entries are pruned opportunistically.
func (m *Matcher) Record(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.RecordedAt.IsZero() {
		e.RecordedAt = m.now()
	}
	m.prune()
	m.entries = append(m.entries, e)

	pending := m.waiters[e.SessionID]
	for i, w := range pending {
		if w.score(e) > 0 {
			w.ch <- e
			m.waiters[e.SessionID] = append(pending[:i], pending[i+1:]...)
			return
		}
	}
}

// Match resolves the recorded entry corresponding to the request, or nil.
func (m *Matcher) Match(ctx context.Context, req Request) *Entry {
	m.mu.Lock()
	m.prune()

	if best := m.scan(req.SessionID, req.Score); best != nil {
		m.mu.Unlock()
		return best
	}

	if req.Wait <= 0 {
		m.mu.Unlock()
		return nil
	}

	w := &waiter{score: req.Score, ch: make(chan *Entry, 1)}
	m.waiters[req.SessionID] = append(m.waiters[req.SessionID], w)
	m.mu.Unlock()

	timer := time.NewTimer(req.Wait)
	defer timer.Stop()

	select {
	case e := <-w.ch:
		return e
	case <-ctx.Done():
		m.removeWaiter(req.SessionID, w)
		return nil
	case <-timer.C:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeWaiterLocked(req.SessionID, w)

	// A Record may have raced the timer.
	select {
	case e := <-w.ch:
		return e
	default:
	}

	if req.Fallback == nil {
		return nil
	}
	m.prune()
	for _, e := range m.entries {
		if e.SessionID == req.SessionID && req.Fallback(e) {
			return e
		}
	}
	return nil
}

// scan returns the best-scoring unexpired entry for a session.
// Caller holds the lock; entries are in record order so the first of equal
// scores wins.
func (m *Matcher) scan(sessionID string, score func(*Entry) float64) *Entry {
	var best *Entry
	bestScore := 0.0
	for _, e := range m.entries {
		if e.SessionID != sessionID {
			continue
		}
		if s := score(e); s > bestScore {
			best, bestScore = e, s
		}
	}
	return best
}

func (m *Matcher) removeWaiter(sessionID string, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeWaiterLocked(sessionID, w)
}

func (m *Matcher) removeWaiterLocked(sessionID string, w *waiter) {
	pending := m.waiters[sessionID]
	for i, cand := range pending {
		if cand == w {
			m.waiters[sessionID] = append(pending[:i], pending[i+1:]...)
			return
		}
	}
}

// prune drops expired entries. Caller holds the lock.
func (m *Matcher) prune() {
	cutoff := m.now().Add(-m.ttl)
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.RecordedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	m.entries = kept
}
