package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/converse-ai/converse/internal/event"
	"github.com/converse-ai/converse/internal/fanout"
	"github.com/converse-ai/converse/internal/index"
	"github.com/converse-ai/converse/internal/logging"
	"github.com/converse-ai/converse/internal/protocol"
	"github.com/converse-ai/converse/internal/provider"
	"github.com/converse-ai/converse/internal/run"
	"github.com/converse-ai/converse/internal/state"
	"github.com/converse-ai/converse/pkg/types"
)

// Deps are the collaborators a connection runtime needs.
type Deps struct {
	State  *state.Store
	Index  *index.Index
	Engine *run.Engine
	Fanout *fanout.Registry

	// Events enables transcript replay to late subscribers. May be nil.
	Events *event.Store

	// Configure runs after hello for each session before it is marked
	// ready (tool discovery, system prompt refresh). May be nil.
	Configure func(ctx context.Context, sessionID string) error
}

// Handler accepts WebSocket connections and runs one Runtime per socket.
type Handler struct {
	deps Deps
}

// NewHandler creates the /ws endpoint handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// ServeHTTP upgrades the request and drives the connection until close.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logging.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	rt := NewRuntime(uuid.NewString(), sock, h.deps)
	rt.Loop(r.Context())
}

// Runtime drives one connection: handshake, dispatch, teardown.
type Runtime struct {
	conn *Conn
	deps Deps
	log  zerolog.Logger

	helloDone bool
	primary   string

	// readySent tracks session_ready emission per session; cleared by
	// unsubscribe so a re-subscribe is announced again.
	readySent map[string]bool
}

// NewRuntime creates the runtime for one accepted socket.
func NewRuntime(id string, sock transport, deps Deps) *Runtime {
	log := logging.For("ws").With().Str("connID", id).Logger()
	return &Runtime{
		conn:      newConn(id, sock, log),
		deps:      deps,
		log:       log,
		readySent: make(map[string]bool),
	}
}

// Loop reads and dispatches messages until the socket closes.
func (rt *Runtime) Loop(ctx context.Context) {
	defer rt.teardown()

	for {
		typ, data, err := rt.conn.sock.Read(ctx)
		if err != nil {
			rt.log.Debug().Err(err).Msg("connection closed")
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if fatal := rt.handle(ctx, data); fatal {
			return
		}
	}
}

func (rt *Runtime) teardown() {
	rt.deps.Fanout.Drop(rt.conn.id)
	rt.conn.close()
	rt.conn.sock.Close(websocket.StatusNormalClosure, "")
}

// handle dispatches one inbound message. It reports true when the
// connection must close. Panics inside a handler become a generic
// retryable error instead of tearing down the connection.
func (rt *Runtime) handle(ctx context.Context, data []byte) (fatal bool) {
	defer func() {
		if r := recover(); r != nil {
			rt.log.Error().Interface("panic", r).Msg("message handler panicked")
			rt.conn.Send(protocol.NewRetryableError(protocol.ErrCodeInternal, "internal error"))
			fatal = false
		}
	}()

	env, err := protocol.Decode(data)
	if err != nil {
		rt.fatalError(protocol.NewError(protocol.ErrCodeProtocol, "malformed message"))
		return true
	}

	switch env.Type {
	case protocol.MsgHello:
		return rt.handleHello(ctx, env)
	case protocol.MsgPing:
		rt.conn.Send(&protocol.Pong{Type: protocol.MsgPong})
	case protocol.MsgSubscribe:
		rt.handleSubscribe(ctx, env)
	case protocol.MsgUnsubscribe:
		rt.handleUnsubscribe(env)
	case protocol.MsgInput:
		rt.handleInput(env)
	case protocol.MsgControl:
		rt.handleControl(env)
	case protocol.MsgCancelQueued:
		rt.handleCancelQueued(env)
	case protocol.MsgSetModes:
		rt.conn.SetModes(env.InputMode, env.OutputMode, env.AudioOutput)
	case protocol.MsgSetSessionModel:
		rt.handleSetSessionModel(env)
	default:
		rt.conn.Send(protocol.NewError(protocol.ErrCodeProtocol, fmt.Sprintf("unknown message type %q", env.Type)))
	}
	return false
}

// handleHello validates the version and binds the connection to its
// sessions. Duplicate hello and unknown versions are fatal.
func (rt *Runtime) handleHello(ctx context.Context, env *protocol.Envelope) bool {
	if rt.helloDone {
		rt.fatalError(protocol.NewError(protocol.ErrCodeProtocol, "duplicate hello"))
		return true
	}
	if env.ProtocolVersion != protocol.VersionLegacy && env.ProtocolVersion != protocol.VersionCurrent {
		rt.fatalError(protocol.NewError(protocol.ErrCodeUnsupportedVersion,
			fmt.Sprintf("protocol version %d not supported", env.ProtocolVersion)))
		return true
	}

	rt.conn.SetModes(env.InputMode, env.OutputMode, env.AudioOutput)

	if env.ProtocolVersion == protocol.VersionLegacy {
		sessionID, errMsg := rt.resolveHelloSession(ctx, env)
		if errMsg != nil {
			rt.fatalError(errMsg)
			return true
		}
		if errMsg := rt.bindSession(ctx, sessionID, true); errMsg != nil {
			rt.fatalError(errMsg)
			return true
		}
		rt.helloDone = true
		return false
	}

	// Current protocol: explicit subscription list, fallback id first.
	ids := dedupe(env.SessionID, env.Subscriptions)
	if len(ids) == 0 {
		sessionID, errMsg := rt.resolveHelloSession(ctx, env)
		if errMsg != nil {
			rt.fatalError(errMsg)
			return true
		}
		ids = []string{sessionID}
	}
	for i, id := range ids {
		if errMsg := rt.bindSession(ctx, id, i == 0); errMsg != nil {
			rt.fatalError(errMsg)
			return true
		}
	}
	rt.helloDone = true
	return false
}

// resolveHelloSession maps a hello without an explicit session id to a
// concrete session, creating one through the index when needed.
func (rt *Runtime) resolveHelloSession(ctx context.Context, env *protocol.Envelope) (string, *protocol.ErrorMessage) {
	if env.SessionID != "" {
		return env.SessionID, nil
	}
	summary, created, err := rt.deps.Index.ResolveAgentSession(ctx, env.AgentID, types.ResolveLatestOrCreate)
	if err != nil {
		return "", protocol.NewError(protocol.ErrCodeSessionNotFound, err.Error())
	}
	if created {
		rt.conn.Send(&protocol.SessionCreated{
			Type:      protocol.MsgSessionCreated,
			SessionID: summary.ID,
			AgentID:   summary.AgentID,
			Title:     summary.Title,
		})
	}
	return summary.ID, nil
}

// bindSession subscribes the connection to a session, runs the configure
// step, and emits subscribed + session_ready.
func (rt *Runtime) bindSession(ctx context.Context, sessionID string, primary bool) *protocol.ErrorMessage {
	sess, errMsg := rt.ensureSession(ctx, sessionID)
	if errMsg != nil {
		return errMsg
	}

	rt.deps.Fanout.Subscribe(sessionID, rt.conn)
	if primary && rt.primary == "" {
		rt.primary = sessionID
	}
	rt.conn.Send(&protocol.Subscribed{
		Type:      protocol.MsgSubscribed,
		SessionID: sessionID,
		Primary:   rt.primary == sessionID,
	})

	if rt.deps.Configure != nil {
		if err := rt.deps.Configure(ctx, sessionID); err != nil {
			return protocol.NewRetryableError(protocol.ErrCodeInternal,
				fmt.Sprintf("session configuration failed: %v", err))
		}
	}

	rt.replayTranscript(sessionID)
	rt.markReady(sess.ID)
	return nil
}

// ensureSession resolves a session id to its in-process state, loading
// or creating the durable summary on first reference.
func (rt *Runtime) ensureSession(ctx context.Context, sessionID string) (*state.LogicalSession, *protocol.ErrorMessage) {
	summary, err := rt.deps.Index.Get(ctx, sessionID)
	switch {
	case errors.Is(err, index.ErrNotFound):
		summary = &types.SessionSummary{ID: sessionID}
		if err := rt.deps.Index.Put(ctx, summary); err != nil {
			return nil, protocol.NewRetryableError(protocol.ErrCodeInternal, err.Error())
		}
	case err != nil:
		return nil, protocol.NewRetryableError(protocol.ErrCodeInternal, err.Error())
	}
	if summary.Deleted {
		return nil, protocol.NewError(protocol.ErrCodeSessionDeleted, "session is deleted")
	}
	return rt.deps.State.Ensure(sessionID, summary), nil
}

// markReady emits session_ready exactly once per (connection, session).
func (rt *Runtime) markReady(sessionID string) {
	if rt.readySent[sessionID] {
		return
	}
	rt.readySent[sessionID] = true
	rt.conn.Send(&protocol.SessionReady{Type: protocol.MsgSessionReady, SessionID: sessionID})
}

// replayTranscript catches a late subscriber up from the event log.
func (rt *Runtime) replayTranscript(sessionID string) {
	if rt.deps.Events == nil {
		return
	}
	for _, ev := range rt.deps.Events.Replay(sessionID) {
		msg, ok := ev.Data.(types.ChatMessage)
		if !ok {
			continue
		}
		switch ev.Type {
		case event.UserMessage:
			rt.conn.Send(&protocol.UserMessage{
				Type:      protocol.MsgUserMessage,
				SessionID: sessionID,
				MessageID: msg.ID,
				Text:      msg.Text,
			})
		case event.AssistantDone:
			rt.conn.Send(&protocol.Done{
				Type:      protocol.MsgDone,
				SessionID: sessionID,
				Text:      msg.Text,
			})
		}
	}
}

func (rt *Runtime) handleSubscribe(ctx context.Context, env *protocol.Envelope) {
	if !rt.requireHello() || !rt.requireSession(env) {
		return
	}
	if errMsg := rt.bindSession(ctx, env.SessionID, rt.primary == ""); errMsg != nil {
		rt.conn.Send(errMsg)
	}
}

func (rt *Runtime) handleUnsubscribe(env *protocol.Envelope) {
	if !rt.requireHello() || !rt.requireSession(env) {
		return
	}
	rt.deps.Fanout.Unsubscribe(env.SessionID, rt.conn.id)
	delete(rt.readySent, env.SessionID)
	rt.conn.Send(&protocol.Unsubscribed{Type: protocol.MsgUnsubscribed, SessionID: env.SessionID})
}

// handleInput submits a turn. The submission runs in its own goroutine
// so cancels stay readable while the turn streams.
func (rt *Runtime) handleInput(env *protocol.Envelope) {
	if !rt.requireHello() {
		return
	}
	sessionID := env.SessionID
	if sessionID == "" {
		sessionID = rt.primary
	}
	if sessionID == "" {
		rt.conn.Send(protocol.NewError(protocol.ErrCodeProtocol, "input requires a session"))
		return
	}
	if !rt.readySent[sessionID] {
		rt.conn.Send(protocol.NewError(protocol.ErrCodeSessionNotReady, "session is not ready"))
		return
	}

	in := run.Input{
		SessionID:       sessionID,
		ConnID:          rt.conn.id,
		Text:            env.Text,
		ClientMessageID: env.ClientMessageID,
		Source:          "connection",
		AudioOut:        rt.conn.WantsAudio(),
	}
	go func() {
		if _, err := rt.deps.Engine.Submit(context.Background(), in); err != nil {
			rt.conn.Send(submitError(err))
		}
	}()
}

func (rt *Runtime) handleControl(env *protocol.Envelope) {
	if !rt.requireHello() {
		return
	}
	if env.Action != protocol.ActionCancelOutput {
		rt.conn.Send(protocol.NewError(protocol.ErrCodeProtocol, fmt.Sprintf("unknown control action %q", env.Action)))
		return
	}
	sessionID := env.SessionID
	if sessionID == "" {
		sessionID = rt.primary
	}
	ack, err := rt.deps.Engine.CancelOutput(sessionID)
	if err != nil {
		if errors.Is(err, run.ErrNoActiveRun) {
			// Nothing to cancel; acknowledge anyway so clients stay simple.
			rt.conn.Send(&protocol.OutputCancelled{Type: protocol.MsgOutputCancelled, SessionID: sessionID})
			return
		}
		rt.conn.Send(submitError(err))
		return
	}
	rt.deps.Fanout.Broadcast(sessionID, ack)
}

func (rt *Runtime) handleCancelQueued(env *protocol.Envelope) {
	if !rt.requireHello() || !rt.requireSession(env) {
		return
	}
	removed, err := rt.deps.Engine.CancelQueued(env.SessionID, env.MessageID)
	if err != nil {
		rt.conn.Send(submitError(err))
		return
	}
	if !removed {
		rt.log.Debug().Str("messageID", env.MessageID).Msg("cancel_queued matched nothing")
	}
}

func (rt *Runtime) handleSetSessionModel(env *protocol.Envelope) {
	if !rt.requireHello() || !rt.requireSession(env) {
		return
	}
	sess, ok := rt.deps.State.Get(env.SessionID)
	if !ok {
		rt.conn.Send(protocol.NewError(protocol.ErrCodeSessionNotFound, "session not found"))
		return
	}
	sess.UpdateSummary(func(s *types.SessionSummary) {
		if env.Model != "" {
			s.Model = env.Model
		}
		if env.ThinkingLevel != "" {
			s.ThinkingLevel = env.ThinkingLevel
		}
	})
	if err := rt.deps.Index.Put(context.Background(), sess.Summary()); err != nil {
		rt.log.Warn().Err(err).Str("sessionID", env.SessionID).Msg("persist model change failed")
	}
}

func (rt *Runtime) requireHello() bool {
	if !rt.helloDone {
		rt.conn.Send(protocol.NewError(protocol.ErrCodeProtocol, "hello required first"))
		return false
	}
	return true
}

func (rt *Runtime) requireSession(env *protocol.Envelope) bool {
	if env.SessionID == "" {
		rt.conn.Send(protocol.NewError(protocol.ErrCodeProtocol, "sessionId required"))
		return false
	}
	return true
}

// fatalError writes the error synchronously and closes the connection;
// the queued path could lose it to the close.
func (rt *Runtime) fatalError(msg *protocol.ErrorMessage) {
	rt.conn.sendNow(msg)
	rt.conn.sock.Close(websocket.StatusPolicyViolation, msg.Code)
}

// submitError maps engine failures onto the wire error taxonomy.
func submitError(err error) *protocol.ErrorMessage {
	var rl *run.RateLimitedError
	switch {
	case errors.As(err, &rl):
		msg := protocol.NewRetryableError(protocol.ErrCodeRateLimited, "rate limited")
		return msg.WithDetails(map[string]any{"retryAfterMs": rl.RetryAfterMs})
	case errors.Is(err, run.ErrSessionNotFound):
		return protocol.NewError(protocol.ErrCodeSessionNotFound, "session not found")
	case errors.Is(err, run.ErrSessionDeleted):
		return protocol.NewError(protocol.ErrCodeSessionDeleted, "session is deleted")
	case errors.Is(err, run.ErrEmptyInput):
		return protocol.NewError(protocol.ErrCodeEmptyInput, "input is empty")
	case errors.Is(err, provider.ErrNotConfigured):
		return protocol.NewError(protocol.ErrCodeProviderNotConfigured, err.Error())
	case errors.Is(err, run.ErrProvider):
		return protocol.NewRetryableError(protocol.ErrCodeProviderError, err.Error())
	default:
		return protocol.NewRetryableError(protocol.ErrCodeInternal, "internal error")
	}
}

// dedupe builds the subscription order: fallback id first, duplicates
// removed, original order otherwise preserved.
func dedupe(fallback string, ids []string) []string {
	seen := make(map[string]bool, len(ids)+1)
	var out []string
	if fallback != "" {
		seen[fallback] = true
		out = append(out, fallback)
	}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
