package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converse-ai/converse/pkg/types"
)

func TestEnsureReturnsSameInstance(t *testing.T) {
	store := NewStore()
	a := store.Ensure("s1", nil)
	b := store.Ensure("s1", &types.SessionSummary{ID: "s1", Title: "ignored"})
	assert.Same(t, a, b)
}

func TestEnsureConcurrentSingleInstance(t *testing.T) {
	store := NewStore()

	const n = 64
	results := make([]*LogicalSession, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = store.Ensure("s1", nil)
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestGetUnknownSession(t *testing.T) {
	store := NewStore()
	_, ok := store.Get("missing")
	assert.False(t, ok)
}

func TestBeginRunSingleFlight(t *testing.T) {
	sess := newLogicalSession("s1", nil)

	first := NewActiveChatRun("r1", "t1", nil)
	require.True(t, sess.BeginRun(first))

	second := NewActiveChatRun("r2", "t2", nil)
	assert.False(t, sess.BeginRun(second))
	assert.Same(t, first, sess.ActiveRun())
}

func TestClearRunGuardsAgainstReplacedRun(t *testing.T) {
	sess := newLogicalSession("s1", nil)

	first := NewActiveChatRun("r1", "t1", nil)
	require.True(t, sess.BeginRun(first))
	require.True(t, sess.ClearRun(first))

	second := NewActiveChatRun("r2", "t2", nil)
	require.True(t, sess.BeginRun(second))

	// A stale cleanup for the first run must not clear the second.
	assert.False(t, sess.ClearRun(first))
	assert.Same(t, second, sess.ActiveRun())
}

func TestBeginRunOrEnqueueInstallsWhenIdle(t *testing.T) {
	sess := newLogicalSession("s1", nil)

	first := NewActiveChatRun("r1", "t1", nil)
	require.True(t, sess.BeginRunOrEnqueue(first, QueuedMessage{ID: "unused"}))
	assert.Same(t, first, sess.ActiveRun())
	assert.Zero(t, sess.QueueLen())

	second := NewActiveChatRun("r2", "t2", nil)
	assert.False(t, sess.BeginRunOrEnqueue(second, QueuedMessage{ID: "q1"}))
	assert.Same(t, first, sess.ActiveRun())
	assert.Equal(t, 1, sess.QueueLen())
}

func TestClearRunAndDequeueDrainsPendingEntry(t *testing.T) {
	sess := newLogicalSession("s1", nil)

	first := NewActiveChatRun("r1", "t1", nil)
	require.True(t, sess.BeginRunOrEnqueue(first, QueuedMessage{}))
	sess.BeginRunOrEnqueue(NewActiveChatRun("r2", "t2", nil), QueuedMessage{ID: "q1"})

	msg, ok := sess.ClearRunAndDequeue(first)
	require.True(t, ok)
	assert.Equal(t, "q1", msg.ID)
	assert.Nil(t, sess.ActiveRun())

	_, ok = sess.ClearRunAndDequeue(first)
	assert.False(t, ok)
}

func TestClearRunAndDequeueIgnoresStaleRun(t *testing.T) {
	sess := newLogicalSession("s1", nil)

	first := NewActiveChatRun("r1", "t1", nil)
	require.True(t, sess.BeginRun(first))
	require.True(t, sess.ClearRun(first))

	second := NewActiveChatRun("r2", "t2", nil)
	require.True(t, sess.BeginRunOrEnqueue(second, QueuedMessage{}))
	sess.Enqueue(QueuedMessage{ID: "q1"})

	// A stale cleanup must neither clear the new run nor steal its queue.
	_, ok := sess.ClearRunAndDequeue(first)
	assert.False(t, ok)
	assert.Same(t, second, sess.ActiveRun())
	assert.Equal(t, 1, sess.QueueLen())
}

func TestQueueFIFO(t *testing.T) {
	sess := newLogicalSession("s1", nil)
	sess.Enqueue(QueuedMessage{ID: "a", Text: "one"})
	sess.Enqueue(QueuedMessage{ID: "b", Text: "two"})
	sess.Enqueue(QueuedMessage{ID: "c", Text: "three"})

	require.True(t, sess.CancelQueued("b"))
	assert.False(t, sess.CancelQueued("b"))

	first, ok := sess.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "a", first.ID)

	second, ok := sess.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "c", second.ID)

	_, ok = sess.Dequeue()
	assert.False(t, ok)
}

func TestDeletedFlag(t *testing.T) {
	sess := newLogicalSession("s1", nil)
	assert.False(t, sess.Deleted())
	sess.UpdateSummary(func(s *types.SessionSummary) { s.Deleted = true })
	assert.True(t, sess.Deleted())
}

func TestRunAccumulation(t *testing.T) {
	run := NewActiveChatRun("r1", "t1", nil)
	run.Accumulate("hello")
	run.Accumulate(" world")
	assert.Equal(t, "hello world", run.Accumulated())
	assert.False(t, run.Aborted())
	run.Abort()
	assert.True(t, run.Aborted())
}
