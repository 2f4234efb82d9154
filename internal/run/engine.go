// Package run drives the chat turn lifecycle: input validation, provider
// dispatch, single-flight run enforcement, streaming fan-out, and
// cleanup with queue drain.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/converse-ai/converse/internal/audio"
	"github.com/converse-ai/converse/internal/event"
	"github.com/converse-ai/converse/internal/fanout"
	"github.com/converse-ai/converse/internal/index"
	"github.com/converse-ai/converse/internal/logging"
	"github.com/converse-ai/converse/internal/protocol"
	"github.com/converse-ai/converse/internal/provider"
	"github.com/converse-ai/converse/internal/ratelimit"
	"github.com/converse-ai/converse/internal/rendezvous"
	"github.com/converse-ai/converse/internal/state"
	"github.com/converse-ai/converse/pkg/types"
)

// Options wires the engine's collaborators.
type Options struct {
	Store     *state.Store
	Index     *index.Index
	Providers Dispatcher
	Fanout    *fanout.Registry

	// Agents maps agent id to its configuration.
	Agents map[string]types.AgentConfig

	// DefaultModel backs agents that declare none, as "vendor/model".
	DefaultModel string

	// RateLimit gates run acceptance per session. Nil or MaxTokens <= 0
	// disables limiting.
	RateLimit *types.RateLimitConfig

	// Events records lifecycle events when non-nil.
	Events *event.Store

	// Matcher records observed tool calls for out-of-band correlation.
	Matcher *rendezvous.Matcher

	// Audio enables voice output when a synthesizer is set.
	Audio types.AudioConfig
	Synth audio.Synthesizer
}

// Dispatcher resolves a provider by dispatch kind. *provider.Registry
// satisfies it; tests substitute fakes.
type Dispatcher interface {
	Get(kind string) (provider.Provider, error)
}

// Engine executes chat turns. One engine serves the whole process; per
// session it guarantees at most one live run at a time.
type Engine struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*ratelimit.Limiter
}

// NewEngine creates the turn engine.
func NewEngine(opts Options) *Engine {
	return &Engine{
		opts:     opts,
		log:      logging.For("run"),
		limiters: make(map[string]*ratelimit.Limiter),
	}
}

// Input is one submitted chat turn.
type Input struct {
	SessionID string

	// ConnID is the originating connection, excluded from the user
	// message broadcast. Empty for queue and callback submissions.
	ConnID string

	Text            string
	ClientMessageID string

	// Source tags where the input came from: "connection", "queue".
	Source string

	// AudioOut requests a streaming audio session for this turn.
	AudioOut bool
}

// Receipt reports how a submission was accepted.
type Receipt struct {
	// Queued means the session was busy and the input waits in FIFO
	// order. QueuedID identifies the entry for cancel_queued.
	Queued   bool
	QueuedID string

	// ResponseID identifies the started run. Empty when queued.
	ResponseID string
}

// Submit runs one turn, or queues it when the session is busy. The call
// blocks until the turn completes; queued inputs resolve immediately.
func (e *Engine) Submit(ctx context.Context, in Input) (*Receipt, error) {
	sess, ok := e.opts.Store.Get(in.SessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Deleted() {
		return nil, ErrSessionDeleted
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	in.Text = text

	runCtx, cancel := context.WithCancel(context.Background())
	run := state.NewActiveChatRun(ulid.Make().String(), ulid.Make().String(), cancel)

	// Busy-check and enqueue are atomic: a run finishing in between
	// either drains the entry or the run below starts directly.
	queued := e.queuedMessage(in)
	if !sess.BeginRunOrEnqueue(run, queued) {
		cancel()
		e.log.Debug().Str("sessionID", in.SessionID).Str("queuedID", queued.ID).Msg("input queued behind active run")
		return &Receipt{Queued: true, QueuedID: queued.ID}, nil
	}

	// The run is accepted only if the session is within budget. Queued
	// inputs are never limited; they pay on execution. A rejection still
	// drains the queue so entries parked behind this run are not stuck.
	if res := e.limiter(in.SessionID).Check(1); !res.Allowed {
		cancel()
		if next, ok := sess.ClearRunAndDequeue(run); ok && next.Execute != nil {
			go next.Execute()
		}
		return nil, &RateLimitedError{RetryAfterMs: res.RetryAfterMs}
	}

	return &Receipt{ResponseID: run.ResponseID}, e.execute(runCtx, sess, run, in)
}

// queuedMessage builds a queue entry whose execution re-submits the
// input. Side effects are deferred to execution time.
func (e *Engine) queuedMessage(in Input) state.QueuedMessage {
	queued := state.QueuedMessage{
		ID:              ulid.Make().String(),
		Text:            in.Text,
		QueuedAt:        time.Now(),
		Source:          in.Source,
		ClientMessageID: in.ClientMessageID,
	}
	replay := in
	replay.Source = "queue"
	queued.Execute = func() {
		if _, err := e.Submit(context.Background(), replay); err != nil {
			e.log.Warn().Err(err).Str("sessionID", in.SessionID).Msg("queued input failed")
			e.broadcastSubmitError(in.SessionID, err)
		}
	}
	return queued
}

// execute performs steps 4..9 of the turn: side effects, dispatch,
// streaming, completion, cleanup.
func (e *Engine) execute(ctx context.Context, sess *state.LogicalSession, run *state.ActiveChatRun, in Input) error {
	defer e.cleanup(in.SessionID, run)

	summary := sess.Summary()
	agentCfg := e.opts.Agents[summary.AgentID]
	kind := agentCfg.Provider
	if kind == "" {
		kind = types.ProviderHosted
	}

	history := sess.Messages()
	userMsg := types.ChatMessage{
		ID:        ulid.Make().String(),
		Role:      types.RoleUser,
		Text:      in.Text,
		CreatedAt: time.Now().UnixMilli(),
	}
	sess.AppendMessage(userMsg)

	e.opts.Fanout.BroadcastExcept(in.SessionID, in.ConnID, &protocol.UserMessage{
		Type:            protocol.MsgUserMessage,
		SessionID:       in.SessionID,
		MessageID:       userMsg.ID,
		Text:            in.Text,
		ClientMessageID: in.ClientMessageID,
	})
	e.record(event.Event{Type: event.TurnStart, SessionID: in.SessionID, TurnID: run.TurnID})
	e.record(event.Event{Type: event.UserMessage, SessionID: in.SessionID, TurnID: run.TurnID, Data: userMsg})

	prov, err := e.opts.Providers.Get(kind)
	if err != nil {
		return err
	}

	if in.AudioOut && e.opts.Synth != nil {
		ttsSession := audio.NewSession(
			audio.Config{SampleRate: e.opts.Audio.SampleRate, FrameDurationMs: e.opts.Audio.FrameDurationMs},
			e.opts.Synth,
			func(frame []byte) { e.opts.Fanout.BroadcastBinary(in.SessionID, frame) },
		)
		run.TTS = audio.NewSpeaker(ctx, ttsSession, func(err error) {
			e.log.Warn().Err(err).Str("sessionID", in.SessionID).Msg("speech synthesis failed")
		})
	}

	model := summary.Model
	if model == "" {
		model = agentCfg.Model
	}
	req := &provider.Request{
		SessionID:         in.SessionID,
		AgentID:           summary.AgentID,
		Agent:             agentCfg,
		Model:             model,
		ThinkingLevel:     summary.ThinkingLevel,
		Input:             in.Text,
		History:           history,
		ContinuationToken: summary.Providers[kind],
	}

	var thinkingSeen bool
	hooks := provider.Hooks{
		OnText: func(delta string) {
			if run.Aborted() {
				return
			}
			run.Accumulate(delta)
			e.opts.Fanout.Broadcast(in.SessionID, &protocol.Delta{
				Type:       protocol.MsgDelta,
				SessionID:  in.SessionID,
				ResponseID: run.ResponseID,
				Delta:      delta,
			})
			if run.TTS != nil {
				run.TTS.Feed(delta)
			}
		},
		OnThinking: func(delta string) {
			if run.Aborted() {
				return
			}
			thinkingSeen = true
			e.opts.Fanout.Broadcast(in.SessionID, &protocol.ThinkingDelta{
				Type:       protocol.MsgThinkingDelta,
				SessionID:  in.SessionID,
				ResponseID: run.ResponseID,
				Delta:      delta,
			})
		},
		OnToolCallStart: func(callID, toolName string, args json.RawMessage) {
			e.opts.Fanout.Broadcast(in.SessionID, &protocol.ToolCallStart{
				Type:      protocol.MsgToolCallStart,
				SessionID: in.SessionID,
				CallID:    callID,
				ToolName:  toolName,
				Args:      args,
			})
			e.recordToolCall(in.SessionID, run, callID, toolName, args)
		},
		OnToolResult: func(callID string, result json.RawMessage) {
			e.opts.Fanout.Broadcast(in.SessionID, &protocol.ToolResult{
				Type:      protocol.MsgToolResult,
				SessionID: in.SessionID,
				CallID:    callID,
				OK:        true,
				Result:    result,
			})
		},
		OnSessionInfo: func(token string) {
			sess.UpdateSummary(func(s *types.SessionSummary) {
				if s.Providers == nil {
					s.Providers = make(map[string]string)
				}
				s.Providers[kind] = token
			})
			e.persistSummary(sess)
		},
	}

	result, err := prov.Run(ctx, req, hooks)
	if err != nil {
		return e.turnError(in.SessionID, kind, err)
	}

	if result.Aborted || run.Aborted() {
		// Done side effects are suppressed; cleanup still drains the queue.
		return nil
	}

	if result.ContinuationToken != "" {
		hooks.OnSessionInfo(result.ContinuationToken)
	}

	if result.Text == "" && !thinkingSeen {
		return nil
	}

	if run.TTS != nil {
		// Sentences were synthesized as they streamed; flush the tail and
		// wait for the queue to drain before announcing completion.
		run.TTS.Finish()
	}

	if thinkingSeen {
		e.opts.Fanout.Broadcast(in.SessionID, &protocol.ThinkingDone{
			Type:       protocol.MsgThinkingDone,
			SessionID:  in.SessionID,
			ResponseID: run.ResponseID,
		})
	}
	e.opts.Fanout.Broadcast(in.SessionID, &protocol.Done{
		Type:       protocol.MsgDone,
		SessionID:  in.SessionID,
		ResponseID: run.ResponseID,
		Text:       result.Text,
	})

	assistantMsg := types.ChatMessage{
		ID:        ulid.Make().String(),
		Role:      types.RoleAssistant,
		Text:      result.Text,
		CreatedAt: time.Now().UnixMilli(),
	}
	sess.AppendMessage(assistantMsg)

	e.record(event.Event{Type: event.AssistantDone, SessionID: in.SessionID, TurnID: run.TurnID, Data: assistantMsg})
	e.record(event.Event{Type: event.TurnEnd, SessionID: in.SessionID, TurnID: run.TurnID})
	return nil
}

// cleanup always runs. It re-fetches the canonical state from the store,
// clears the run only when it is still this run, and drains at most one
// queued input, all in one critical section so a racing submission
// cannot leave an entry stranded.
func (e *Engine) cleanup(sessionID string, run *state.ActiveChatRun) {
	run.Abort()
	if run.TTS != nil {
		run.TTS.Cancel()
	}

	sess, ok := e.opts.Store.Get(sessionID)
	if !ok {
		return
	}
	if queued, ok := sess.ClearRunAndDequeue(run); ok && queued.Execute != nil {
		go queued.Execute()
	}
}

// turnError maps a provider failure to the session-visible outcome.
// External agent failures degrade to a broadcast; everything else is
// returned to the caller.
func (e *Engine) turnError(sessionID, kind string, err error) error {
	if kind == types.ProviderExternal && !errors.Is(err, provider.ErrNotConfigured) {
		e.log.Warn().Err(err).Str("sessionID", sessionID).Msg("external agent forward failed")
		e.opts.Fanout.Broadcast(sessionID, &protocol.ExternalAgentError{
			Type:      protocol.MsgExternalAgentError,
			SessionID: sessionID,
			Code:      protocol.ErrCodeExternalAgent,
			Message:   err.Error(),
		})
		return nil
	}
	if errors.Is(err, provider.ErrNotConfigured) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrProvider, err)
}

// CancelOutput aborts the session's active run, truncating any audio
// output. Returns the acknowledgement to send back.
func (e *Engine) CancelOutput(sessionID string) (*protocol.OutputCancelled, error) {
	sess, ok := e.opts.Store.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	run := sess.ActiveRun()
	if run == nil {
		return nil, ErrNoActiveRun
	}

	run.Abort()

	ack := &protocol.OutputCancelled{
		Type:       protocol.MsgOutputCancelled,
		SessionID:  sessionID,
		ResponseID: run.ResponseID,
	}
	if run.TTS != nil {
		if run.TTS.HasOutput() {
			run.AudioTruncatedAtMs = run.TTS.PositionMs()
			ack.AudioTruncatedAtMs = run.AudioTruncatedAtMs
		}
		run.TTS.Cancel()
	}
	e.log.Info().Str("sessionID", sessionID).Str("responseID", run.ResponseID).Msg("output cancelled")
	return ack, nil
}

// CancelQueued removes a pending queue entry by id.
func (e *Engine) CancelQueued(sessionID, messageID string) (bool, error) {
	sess, ok := e.opts.Store.Get(sessionID)
	if !ok {
		return false, ErrSessionNotFound
	}
	return sess.CancelQueued(messageID), nil
}

func (e *Engine) limiter(sessionID string) *ratelimit.Limiter {
	cfg := e.opts.RateLimit
	var maxTokens int
	var window time.Duration
	if cfg != nil {
		maxTokens = cfg.MaxTokens
		window = time.Duration(cfg.WindowMs) * time.Millisecond
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	lim, ok := e.limiters[sessionID]
	if !ok {
		lim = ratelimit.New(maxTokens, window)
		e.limiters[sessionID] = lim
	}
	return lim
}

func (e *Engine) record(ev event.Event) {
	if e.opts.Events != nil {
		e.opts.Events.Append(ev)
	}
}

func (e *Engine) recordToolCall(sessionID string, run *state.ActiveChatRun, callID, toolName string, args json.RawMessage) {
	if e.opts.Matcher == nil {
		return
	}
	var argMap map[string]any
	if len(args) > 0 {
		_ = json.Unmarshal(args, &argMap)
	}
	e.opts.Matcher.Record(&rendezvous.Entry{
		SessionID:  sessionID,
		CallID:     callID,
		ToolName:   toolName,
		Args:       argMap,
		TurnID:     run.TurnID,
		ResponseID: run.ResponseID,
	})
}

func (e *Engine) persistSummary(sess *state.LogicalSession) {
	if e.opts.Index == nil {
		return
	}
	if err := e.opts.Index.Put(context.Background(), sess.Summary()); err != nil {
		e.log.Warn().Err(err).Str("sessionID", sess.ID).Msg("persist session summary failed")
	}
}

// broadcastSubmitError surfaces a failed queued execution to the
// session's subscribers, since no connection is waiting on it.
func (e *Engine) broadcastSubmitError(sessionID string, err error) {
	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		msg := protocol.NewRetryableError(protocol.ErrCodeRateLimited, err.Error())
		msg.Details = map[string]any{"retryAfterMs": rl.RetryAfterMs}
		e.opts.Fanout.Broadcast(sessionID, msg)
	case errors.Is(err, provider.ErrNotConfigured):
		e.opts.Fanout.Broadcast(sessionID, protocol.NewError(protocol.ErrCodeProviderNotConfigured, err.Error()))
	case errors.Is(err, ErrProvider):
		e.opts.Fanout.Broadcast(sessionID, protocol.NewRetryableError(protocol.ErrCodeProviderError, err.Error()))
	case errors.Is(err, ErrSessionDeleted):
		e.opts.Fanout.Broadcast(sessionID, protocol.NewError(protocol.ErrCodeSessionDeleted, err.Error()))
	}
}
