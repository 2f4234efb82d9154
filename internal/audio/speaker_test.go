package audio

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSynth struct {
	mu    sync.Mutex
	texts []string
}

func (s *stubSynth) Speak(ctx context.Context, text string) (io.ReadCloser, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return io.NopCloser(bytes.NewReader(make([]byte, 100))), nil
}

func (s *stubSynth) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type blockingSynth struct {
	once    sync.Once
	started chan struct{}
}

func (b *blockingSynth) Speak(ctx context.Context, text string) (io.ReadCloser, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSpeakerDispatchesCompletedSentences(t *testing.T) {
	synth := &stubSynth{}
	frames, sink := collectFrames(t)
	sp := NewSpeaker(context.Background(), NewSession(Config{}, synth, sink), nil)

	sp.Feed("Hello wor")
	sp.Feed("ld. How are")

	require.Eventually(t, func() bool {
		return len(synth.spoken()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Hello world."}, synth.spoken())

	sp.Finish()
	assert.Equal(t, []string{"Hello world.", "How are"}, synth.spoken())

	require.NotEmpty(t, *frames)
	last := (*frames)[len(*frames)-1]
	assert.Equal(t, FlagEnd, last.Flags)
	assert.True(t, sp.HasOutput())
}

func TestSpeakerFinishFlushesFragmentWithoutBoundary(t *testing.T) {
	synth := &stubSynth{}
	_, sink := collectFrames(t)
	sp := NewSpeaker(context.Background(), NewSession(Config{}, synth, sink), nil)

	sp.Feed("no punctuation at all")
	assert.Empty(t, synth.spoken())

	sp.Finish()
	assert.Equal(t, []string{"no punctuation at all"}, synth.spoken())
}

func TestSpeakerFeedNeverBlocksOnSlowSynthesis(t *testing.T) {
	synth := &blockingSynth{started: make(chan struct{})}
	frames, sink := collectFrames(t)
	sp := NewSpeaker(context.Background(), NewSession(Config{}, synth, sink), nil)

	sp.Feed("First sentence.")
	<-synth.started

	// Synthesis is stuck; feeding more text must still return promptly.
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for i := 0; i < 100; i++ {
			sp.Feed("More text. ")
		}
	}()
	select {
	case <-fed:
	case <-time.After(time.Second):
		t.Fatal("Feed blocked behind synthesis")
	}

	sp.Cancel()
	require.NotEmpty(t, *frames)
	assert.Equal(t, FlagEnd, (*frames)[len(*frames)-1].Flags)
}

func TestSpeakerCancelIsIdempotentWithFinish(t *testing.T) {
	synth := &stubSynth{}
	frames, sink := collectFrames(t)
	sp := NewSpeaker(context.Background(), NewSession(Config{}, synth, sink), nil)

	sp.Feed("Done.")
	sp.Finish()
	sp.Cancel()

	// One end frame, no duplicates from the second finalization.
	var ends int
	for _, f := range *frames {
		if f.Flags&FlagEnd != 0 {
			ends++
		}
	}
	assert.Equal(t, 1, ends)
}
