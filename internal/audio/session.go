package audio

import (
	"context"
	"io"
	"sync"
	"time"
)

// Sink receives encoded frames. Delivery is best-effort; a sink must not
// block the caller.
type Sink func(frame []byte)

// Config controls framing for one audio session.
type Config struct {
	SampleRate      int
	FrameDurationMs int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FrameDurationMs <= 0 {
		c.FrameDurationMs = DefaultFrameDurationMs
	}
	return c
}

// Session converts raw PCM bytes into fixed-duration frames and forwards
// them to a sink. One session is attached per voice-output turn.
type Session struct {
	cfg        Config
	frameBytes int
	synth      Synthesizer
	sink       Sink

	mu        sync.Mutex
	buf       []byte
	seq       uint32
	hasOutput bool
	finished  bool
}

// NewSession creates an audio session delivering frames to sink.
// synth may be nil when the caller feeds PCM directly via Write.
func NewSession(cfg Config, synth Synthesizer, sink Sink) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:        cfg,
		frameBytes: FrameBytes(cfg.SampleRate, cfg.FrameDurationMs),
		synth:      synth,
		sink:       sink,
	}
}

// Write buffers PCM bytes and emits every complete frame.
func (s *Session) Write(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.buf = append(s.buf, pcm...)
	for len(s.buf) >= s.frameBytes {
		s.emit(s.buf[:s.frameBytes], 0)
		s.buf = s.buf[s.frameBytes:]
	}
}

// Finish flushes any buffered remainder and signals completion with an
// end-flagged frame. Idempotent.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	if len(s.buf) > 0 {
		s.emit(s.buf, FlagEnd)
		s.buf = nil
		return
	}
	// Empty end marker so subscribers see completion even without audio.
	s.emit(nil, FlagEnd)
}

// HasOutput reports whether any audio was produced. Used to decide whether
// an "audio truncated" marker is worth emitting.
func (s *Session) HasOutput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasOutput
}

// PositionMs returns the stream position of the next frame in milliseconds.
func (s *Session) PositionMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.seq) * int64(s.cfg.FrameDurationMs)
}

// emit encodes and delivers one frame. Caller holds the lock.
func (s *Session) emit(pcm []byte, flags uint16) {
	frame := Frame{
		Seq:         s.seq,
		TimestampMs: s.seq * uint32(s.cfg.FrameDurationMs),
		Flags:       flags,
		PCM:         pcm,
	}
	if len(pcm) > 0 {
		s.hasOutput = true
	}
	s.seq++
	s.sink(frame.Encode())
}

// Say synthesizes text and streams the resulting PCM, paced to the frame
// duration budget so a fast backend does not flood slow clients.
func (s *Session) Say(ctx context.Context, text string) error {
	if s.synth == nil {
		return nil
	}
	pcm, err := s.synth.Speak(ctx, text)
	if err != nil {
		return err
	}
	defer pcm.Close()

	ticker := time.NewTicker(time.Duration(s.cfg.FrameDurationMs) * time.Millisecond)
	defer ticker.Stop()

	chunk := make([]byte, s.frameBytes)
	for {
		n, err := io.ReadFull(pcm, chunk)
		if n > 0 {
			s.Write(chunk[:n])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
