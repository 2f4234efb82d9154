// Package provider dispatches chat turns to their backing completion
// implementation: hosted models through Eino, CLI subprocesses, or an
// external HTTP agent.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/converse-ai/converse/pkg/types"
)

// ErrNotConfigured means the provider is missing credentials or an
// endpoint. The turn fails; retrying without a config change is useless.
var ErrNotConfigured = errors.New("provider not configured")

// Request carries one chat turn to a provider.
type Request struct {
	SessionID string
	AgentID   string

	// Agent is the resolved agent configuration for this turn.
	Agent types.AgentConfig

	// Model is a "vendor/model" reference for hosted providers. Empty
	// falls back to the configured default.
	Model string

	// ThinkingLevel is passed through to providers that support it.
	ThinkingLevel string

	Input   string
	History []types.ChatMessage

	// ContinuationToken resumes a provider-side conversation recorded on
	// a previous turn. Empty starts fresh.
	ContinuationToken string
}

// Hooks receive streaming events while a turn runs. Any hook may be nil.
type Hooks struct {
	OnText          func(delta string)
	OnThinking      func(delta string)
	OnToolCallStart func(callID, toolName string, args json.RawMessage)
	OnToolResult    func(callID string, result json.RawMessage)
	OnSessionInfo   func(continuationToken string)
}

func (h Hooks) text(delta string) {
	if h.OnText != nil && delta != "" {
		h.OnText(delta)
	}
}

func (h Hooks) thinking(delta string) {
	if h.OnThinking != nil && delta != "" {
		h.OnThinking(delta)
	}
}

func (h Hooks) toolCallStart(callID, toolName string, args json.RawMessage) {
	if h.OnToolCallStart != nil {
		h.OnToolCallStart(callID, toolName, args)
	}
}

func (h Hooks) toolResult(callID string, result json.RawMessage) {
	if h.OnToolResult != nil {
		h.OnToolResult(callID, result)
	}
}

func (h Hooks) sessionInfo(token string) {
	if h.OnSessionInfo != nil && token != "" {
		h.OnSessionInfo(token)
	}
}

// Result is the outcome of a completed turn.
type Result struct {
	// Text is the full assistant response accumulated over the turn.
	Text string

	// Aborted is set when the turn was cancelled mid-stream. Text holds
	// whatever was produced before the cancel.
	Aborted bool

	// ContinuationToken, when non-empty, resumes this conversation on
	// the next turn.
	ContinuationToken string
}

// Provider runs one chat turn, streaming through hooks.
type Provider interface {
	// Kind returns the dispatch kind this provider serves.
	Kind() string

	// Run executes the turn. A cancelled context is not an error; it
	// yields Result.Aborted with the partial text.
	Run(ctx context.Context, req *Request, hooks Hooks) (*Result, error)
}
