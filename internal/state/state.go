// Package state owns the canonical in-process mutable state of logical
// sessions: transcript, active run, and the pending input queue.
package state

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/converse-ai/converse/pkg/types"
)

// Store resolves session ids to their single in-process state object.
// All callers resolving the same id observe the same instance; the run
// lifecycle's single-flight invariant depends on shared, not copied, state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*LogicalSession
	group    singleflight.Group
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*LogicalSession)}
}

// Ensure returns the session state for id, creating it once. Concurrent
// calls for the same unseen id collapse into a single creation.
func (s *Store) Ensure(id string, summary *types.SessionSummary) *LogicalSession {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	v, _, _ := s.group.Do(id, func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.sessions[id]; ok {
			return existing, nil
		}
		created := newLogicalSession(id, summary)
		s.sessions[id] = created
		return created, nil
	})
	return v.(*LogicalSession)
}

// Get returns the session state for id if it exists.
func (s *Store) Get(id string) (*LogicalSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// LogicalSession is one conversation thread. Mutations go through its
// methods; the run lifecycle guarantees at most one turn mutates the
// transcript at a time.
type LogicalSession struct {
	ID string

	mu        sync.Mutex
	messages  []types.ChatMessage
	activeRun *ActiveChatRun
	queue     []QueuedMessage
	summary   *types.SessionSummary
}

func newLogicalSession(id string, summary *types.SessionSummary) *LogicalSession {
	if summary == nil {
		summary = &types.SessionSummary{ID: id}
	}
	return &LogicalSession{ID: id, summary: summary}
}

// QueuedMessage is a pending input awaiting the active run's completion.
type QueuedMessage struct {
	ID              string
	Text            string
	QueuedAt        time.Time
	Source          string
	ClientMessageID string

	// Execute re-invokes the input procedure with the original request
	// context once the entry is dequeued.
	Execute func()
}

// AppendMessage appends a transcript entry.
func (s *LogicalSession) AppendMessage(msg types.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// Messages returns a copy of the transcript.
func (s *LogicalSession) Messages() []types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// BeginRun installs run as the active run if the session is idle.
// It reports false, leaving the existing run untouched, when one is active.
func (s *LogicalSession) BeginRun(run *ActiveChatRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRun != nil {
		return false
	}
	s.activeRun = run
	return true
}

// BeginRunOrEnqueue installs run when the session is idle, otherwise
// appends msg to the queue. The check and the enqueue are one critical
// section: a run finishing concurrently either sees the entry in the
// queue when it drains, or the session is already idle and the run
// starts directly. Reports whether the run was installed.
func (s *LogicalSession) BeginRunOrEnqueue(run *ActiveChatRun, msg QueuedMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRun != nil {
		s.queue = append(s.queue, msg)
		return false
	}
	s.activeRun = run
	return true
}

// ActiveRun returns the current active run, if any.
func (s *LogicalSession) ActiveRun() *ActiveChatRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRun
}

// ClearRun removes the active run only if it is still the given one.
// Guards against a replaced run racing a stale cleanup.
func (s *LogicalSession) ClearRun(run *ActiveChatRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRun != run {
		return false
	}
	s.activeRun = nil
	return true
}

// ClearRunAndDequeue clears the active run when it is still the given
// one and, if the session ends up idle, pops the oldest pending input in
// the same critical section. A concurrent submission either observes the
// run still active and enqueues (the entry is returned here), or
// observes the idle session after the queue was drained.
func (s *LogicalSession) ClearRunAndDequeue(run *ActiveChatRun) (QueuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRun == run {
		s.activeRun = nil
	}
	if s.activeRun != nil || len(s.queue) == 0 {
		return QueuedMessage{}, false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

// Enqueue appends a pending input. FIFO.
func (s *LogicalSession) Enqueue(msg QueuedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, msg)
}

// Dequeue removes and returns the oldest pending input.
func (s *LogicalSession) Dequeue() (QueuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return QueuedMessage{}, false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

// CancelQueued removes a pending input by id.
func (s *LogicalSession) CancelQueued(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, msg := range s.queue {
		if msg.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// QueueLen returns the number of pending inputs.
func (s *LogicalSession) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Summary returns a copy of the session summary.
func (s *LogicalSession) Summary() *types.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary.Clone()
}

// UpdateSummary mutates the summary under the session lock.
func (s *LogicalSession) UpdateSummary(fn func(*types.SessionSummary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.summary)
	s.summary.Time.Updated = time.Now().UnixMilli()
}

// Deleted reports whether the session is flagged deleted. Deletion is a
// flag, never removal from the store.
func (s *LogicalSession) Deleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary.Deleted
}
