package state

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/converse-ai/converse/internal/audio"
)

// ActiveChatRun is the live execution of one turn. Present on a session
// iff a turn is currently executing; at most one exists per session.
type ActiveChatRun struct {
	ResponseID string
	TurnID     string

	// TTS synthesizes streamed text for voice output, nil for text-only
	// turns.
	TTS *audio.Speaker

	// AudioTruncatedAtMs records where audio output was cut off by a
	// cancel, in stream milliseconds. Zero when not truncated.
	AudioTruncatedAtMs int64

	abort   context.CancelFunc
	aborted atomic.Bool

	mu          sync.Mutex
	accumulated []byte
}

// NewActiveChatRun creates a run bound to the given abort function.
func NewActiveChatRun(responseID, turnID string, abort context.CancelFunc) *ActiveChatRun {
	return &ActiveChatRun{
		ResponseID: responseID,
		TurnID:     turnID,
		abort:      abort,
	}
}

// Abort signals cancellation. The provider invocation stops producing
// deltas; done/history side effects for the run are suppressed.
func (r *ActiveChatRun) Abort() {
	r.aborted.Store(true)
	if r.abort != nil {
		r.abort()
	}
}

// Aborted reports whether the run was cancelled.
func (r *ActiveChatRun) Aborted() bool {
	return r.aborted.Load()
}

// Accumulate appends streamed text.
func (r *ActiveChatRun) Accumulate(delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accumulated = append(r.accumulated, delta...)
}

// Accumulated returns the full text streamed so far.
func (r *ActiveChatRun) Accumulated() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.accumulated)
}
