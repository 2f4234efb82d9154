package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectFrames(t *testing.T) (*[]Frame, Sink) {
	t.Helper()
	frames := &[]Frame{}
	sink := func(raw []byte) {
		require.GreaterOrEqual(t, len(raw), HeaderSize)
		require.Equal(t, uint32(FrameMagic), binary.BigEndian.Uint32(raw[0:4]))
		*frames = append(*frames, Frame{
			Flags:       binary.BigEndian.Uint16(raw[4:6]),
			Seq:         binary.BigEndian.Uint32(raw[8:12]),
			TimestampMs: binary.BigEndian.Uint32(raw[12:16]),
			PCM:         raw[HeaderSize:],
		})
	}
	return frames, sink
}

func TestFrameBytes(t *testing.T) {
	assert.Equal(t, 12000, FrameBytes(24000, 250))
	assert.Equal(t, 960, FrameBytes(24000, 20))
	assert.Equal(t, 1764, FrameBytes(44100, 20))
}

func TestSessionFraming(t *testing.T) {
	frames, sink := collectFrames(t)
	s := NewSession(Config{SampleRate: 24000, FrameDurationMs: 250}, nil, sink)

	s.Write(make([]byte, 48000))

	require.Len(t, *frames, 4)
	for i, f := range *frames {
		assert.Equal(t, uint32(i), f.Seq)
		assert.Equal(t, uint32(i*250), f.TimestampMs)
		assert.Len(t, f.PCM, 12000)
		assert.Zero(t, f.Flags)
	}
	assert.True(t, s.HasOutput())
	assert.Equal(t, int64(1000), s.PositionMs())
}

func TestSessionPartialWritesAccumulate(t *testing.T) {
	frames, sink := collectFrames(t)
	s := NewSession(Config{SampleRate: 24000, FrameDurationMs: 250}, nil, sink)

	s.Write(make([]byte, 7000))
	assert.Empty(t, *frames)
	s.Write(make([]byte, 7000))
	require.Len(t, *frames, 1)
	assert.Len(t, (*frames)[0].PCM, 12000)
}

func TestFinishFlushesRemainder(t *testing.T) {
	frames, sink := collectFrames(t)
	s := NewSession(Config{SampleRate: 24000, FrameDurationMs: 250}, nil, sink)

	s.Write(make([]byte, 12500))
	s.Finish()

	require.Len(t, *frames, 2)
	last := (*frames)[1]
	assert.Equal(t, FlagEnd, last.Flags)
	assert.Len(t, last.PCM, 500)

	// Finish is idempotent and writes after it are dropped.
	s.Finish()
	s.Write(make([]byte, 12000))
	assert.Len(t, *frames, 2)
}

func TestFinishWithoutOutputEmitsEmptyEndFrame(t *testing.T) {
	frames, sink := collectFrames(t)
	s := NewSession(Config{}, nil, sink)

	s.Finish()

	require.Len(t, *frames, 1)
	assert.Equal(t, FlagEnd, (*frames)[0].Flags)
	assert.Empty(t, (*frames)[0].PCM)
	assert.False(t, s.HasOutput())
}
