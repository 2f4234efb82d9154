package rendezvous

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scoreToolName(name string) func(*Entry) float64 {
	return func(e *Entry) float64 {
		if e.ToolName == name {
			return 1
		}
		return 0
	}
}

func TestMatchExistingEntry(t *testing.T) {
	m := New(0)
	m.Record(&Entry{SessionID: "s1", CallID: "c1", ToolName: "bash"})
	m.Record(&Entry{SessionID: "s1", CallID: "c2", ToolName: "read"})

	got := m.Match(context.Background(), Request{
		SessionID: "s1",
		Score:     scoreToolName("read"),
	})
	require.NotNil(t, got)
	assert.Equal(t, "c2", got.CallID)
}

func TestMatchHighestScoreTieBrokenByRecordOrder(t *testing.T) {
	m := New(0)
	m.Record(&Entry{SessionID: "s1", CallID: "first", ToolName: "bash"})
	m.Record(&Entry{SessionID: "s1", CallID: "second", ToolName: "bash"})

	got := m.Match(context.Background(), Request{
		SessionID: "s1",
		Score:     scoreToolName("bash"),
	})
	require.NotNil(t, got)
	assert.Equal(t, "first", got.CallID)
}

func TestMatchIgnoresOtherSessions(t *testing.T) {
	m := New(0)
	m.Record(&Entry{SessionID: "other", CallID: "c1", ToolName: "bash"})

	got := m.Match(context.Background(), Request{
		SessionID: "s1",
		Score:     scoreToolName("bash"),
	})
	assert.Nil(t, got)
}

func TestMatchWaitResolvedByRecord(t *testing.T) {
	m := New(0)

	var wg sync.WaitGroup
	wg.Add(1)
	var got *Entry
	go func() {
		defer wg.Done()
		got = m.Match(context.Background(), Request{
			SessionID: "s1",
			Score:     scoreToolName("bash"),
			Wait:      2 * time.Second,
		})
	}()

	time.Sleep(20 * time.Millisecond)
	m.Record(&Entry{SessionID: "s1", CallID: "late", ToolName: "bash"})
	wg.Wait()

	require.NotNil(t, got)
	assert.Equal(t, "late", got.CallID)
}

func TestFallbackAppliesOnlyAtDeadline(t *testing.T) {
	m := New(0)

	start := time.Now()
	done := make(chan *Entry, 1)
	go func() {
		done <- m.Match(context.Background(), Request{
			SessionID: "s1",
			Score:     func(*Entry) float64 { return 0 },
			Wait:      100 * time.Millisecond,
			Fallback:  func(e *Entry) bool { return true },
		})
	}()

	time.Sleep(10 * time.Millisecond)
	m.Record(&Entry{SessionID: "s1", CallID: "fallback-target", ToolName: "bash"})

	got := <-done
	elapsed := time.Since(start)

	require.NotNil(t, got)
	assert.Equal(t, "fallback-target", got.CallID)
	// Never resolves before the wait elapses when score never matches.
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestMatchNoWaitNoMatch(t *testing.T) {
	m := New(0)
	got := m.Match(context.Background(), Request{
		SessionID: "s1",
		Score:     scoreToolName("bash"),
	})
	assert.Nil(t, got)
}

func TestExpiredEntriesArePruned(t *testing.T) {
	m := New(50 * time.Millisecond)
	base := time.Unix(1700000000, 0)
	m.now = func() time.Time { return base }
	m.Record(&Entry{SessionID: "s1", CallID: "old", ToolName: "bash"})

	m.now = func() time.Time { return base.Add(time.Second) }
	got := m.Match(context.Background(), Request{
		SessionID: "s1",
		Score:     scoreToolName("bash"),
	})
	assert.Nil(t, got)
}

func TestMatchCancelledContext(t *testing.T) {
	m := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	got := m.Match(ctx, Request{
		SessionID: "s1",
		Score:     scoreToolName("bash"),
		Wait:      5 * time.Second,
	})
	assert.Nil(t, got)
}
