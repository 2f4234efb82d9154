package audio

import (
	"context"
	"strings"
	"sync"
)

// Speaker synthesizes streamed assistant text incrementally. Completed
// sentences are dispatched to the session as they arrive, so audio
// playback starts while the turn is still streaming. Feed never blocks;
// synthesis runs on its own goroutine.
type Speaker struct {
	sess   *Session
	onErr  func(error)
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	partial strings.Builder
	pending []string
	closed  bool

	kick chan struct{}
	done chan struct{}
}

// NewSpeaker creates a speaker over sess. onErr receives synthesis
// failures and may be nil. Cancelling ctx aborts synthesis.
func NewSpeaker(ctx context.Context, sess *Session, onErr func(error)) *Speaker {
	ctx, cancel := context.WithCancel(ctx)
	s := &Speaker{
		sess:   sess,
		onErr:  onErr,
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Feed appends streamed text. Completed sentences are queued for
// synthesis immediately; an unfinished fragment waits for more input.
func (s *Speaker) Feed(delta string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.partial.WriteString(delta)
	text := s.partial.String()
	if cut := strings.LastIndexAny(text, ".!?\n"); cut >= 0 {
		chunk := strings.TrimSpace(text[:cut+1])
		s.partial.Reset()
		s.partial.WriteString(text[cut+1:])
		if chunk != "" {
			s.pending = append(s.pending, chunk)
		}
	}
	s.mu.Unlock()
	s.wake()
}

// Finish queues the trailing fragment, waits for pending synthesis to
// drain, and finalizes the session with its end frame.
func (s *Speaker) Finish() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		if rest := strings.TrimSpace(s.partial.String()); rest != "" {
			s.pending = append(s.pending, rest)
		}
		s.partial.Reset()
	}
	s.mu.Unlock()
	s.wake()
	<-s.done
	s.sess.Finish()
}

// Cancel aborts synthesis, dropping queued chunks, and finalizes the
// session so subscribers still see the end marker.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	s.sess.Finish()
}

// HasOutput reports whether any audio was produced.
func (s *Speaker) HasOutput() bool { return s.sess.HasOutput() }

// PositionMs returns the session's stream position in milliseconds.
func (s *Speaker) PositionMs() int64 { return s.sess.PositionMs() }

func (s *Speaker) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Speaker) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.kick:
		case <-s.ctx.Done():
			return
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			if err := s.sess.Say(s.ctx, chunk); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				if s.onErr != nil {
					s.onErr(err)
				}
			}
		}
	}
}
