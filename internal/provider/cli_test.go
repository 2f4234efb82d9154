package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converse-ai/converse/pkg/types"
)

func TestNewCLIRejectsUnknownVariant(t *testing.T) {
	_, err := NewCLI("hosted")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCommandLineClaudeVariant(t *testing.T) {
	c, err := NewCLI(types.ProviderClaudeCLI)
	require.NoError(t, err)

	binary, args := c.commandLine(&Request{Input: "hi", Model: "sonnet"})
	assert.Equal(t, "claude", binary)
	assert.Equal(t, []string{"-p", "hi", "--output-format", "stream-json", "--verbose", "--model", "sonnet"}, args)

	_, args = c.commandLine(&Request{Input: "hi", ContinuationToken: "tok-1"})
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "tok-1")
}

func TestCommandLineCodexResume(t *testing.T) {
	c, err := NewCLI(types.ProviderCodexCLI)
	require.NoError(t, err)

	binary, args := c.commandLine(&Request{Input: "fix it", ContinuationToken: "sess-9"})
	assert.Equal(t, "codex", binary)
	assert.Equal(t, []string{"exec", "--json", "resume", "sess-9", "fix it"}, args)
}

func TestCommandLineAgentOverride(t *testing.T) {
	c, err := NewCLI(types.ProviderGeminiCLI)
	require.NoError(t, err)

	binary, args := c.commandLine(&Request{
		Input: "hi",
		Agent: types.AgentConfig{Command: "/usr/local/bin/gemini", Args: []string{"--sandbox"}},
	})
	assert.Equal(t, "/usr/local/bin/gemini", binary)
	assert.Equal(t, "--sandbox", args[0])
}

func TestParseStreamLineSessionInit(t *testing.T) {
	events := parseStreamLine([]byte(`{"type":"system","subtype":"init","session_id":"abc-123"}`))
	require.Len(t, events, 1)
	assert.Equal(t, "session", events[0].kind)
	assert.Equal(t, "abc-123", events[0].token)
}

func TestParseStreamLineAssistantBlocks(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"content":[
		{"type":"thinking","thinking":"hmm"},
		{"type":"text","text":"hello"},
		{"type":"tool_use","id":"call-1","name":"read_file","input":{"path":"a.go"}}
	]}}`)

	events := parseStreamLine(line)
	require.Len(t, events, 3)
	assert.Equal(t, "thinking", events[0].kind)
	assert.Equal(t, "hmm", events[0].text)
	assert.Equal(t, "text", events[1].kind)
	assert.Equal(t, "hello", events[1].text)
	assert.Equal(t, "tool_call", events[2].kind)
	assert.Equal(t, "call-1", events[2].callID)
	assert.Equal(t, "read_file", events[2].toolName)
	assert.JSONEq(t, `{"path":"a.go"}`, string(events[2].payload))
}

func TestParseStreamLineToolResult(t *testing.T) {
	line := []byte(`{"type":"user","message":{"content":[
		{"type":"tool_result","tool_use_id":"call-1","content":"ok"}
	]}}`)

	events := parseStreamLine(line)
	require.Len(t, events, 1)
	assert.Equal(t, "tool_result", events[0].kind)
	assert.Equal(t, "call-1", events[0].callID)
}

func TestParseStreamLineMalformedFallsBackToText(t *testing.T) {
	events := parseStreamLine([]byte("not json at all"))
	require.Len(t, events, 1)
	assert.Equal(t, "text", events[0].kind)
	assert.Equal(t, "not json at all", events[0].text)
}

func TestParseStreamLineIgnoresUnknownTypes(t *testing.T) {
	assert.Empty(t, parseStreamLine([]byte(`{"type":"system","subtype":"other"}`)))
	assert.Empty(t, parseStreamLine([]byte(`{"type":"ping"}`)))
}

func TestRunStreamsSubprocessOutput(t *testing.T) {
	c, err := NewCLI(types.ProviderClaudeCLI)
	require.NoError(t, err)

	script := `printf '%s\n%s\n%s\n' \
		'{"type":"system","subtype":"init","session_id":"cli-sess"}' \
		'{"type":"assistant","message":{"content":[{"type":"text","text":"hi "}]}}' \
		'{"type":"assistant","message":{"content":[{"type":"text","text":"there"}]}}'`

	req := &Request{
		SessionID: "s1",
		Input:     "hello",
		Agent:     types.AgentConfig{Command: "sh", Args: []string{"-c", script, "sh"}},
	}

	var deltas []string
	var token string
	hooks := Hooks{
		OnText:        func(d string) { deltas = append(deltas, d) },
		OnSessionInfo: func(tok string) { token = tok },
	}

	result, err := c.Run(context.Background(), req, hooks)
	require.NoError(t, err)
	assert.Equal(t, "hi there", result.Text)
	assert.False(t, result.Aborted)
	assert.Equal(t, "cli-sess", result.ContinuationToken)
	assert.Equal(t, []string{"hi ", "there"}, deltas)
	assert.Equal(t, "cli-sess", token)
}

func TestRunSubprocessFailureIncludesStderr(t *testing.T) {
	c, err := NewCLI(types.ProviderClaudeCLI)
	require.NoError(t, err)

	req := &Request{
		Input: "hello",
		Agent: types.AgentConfig{Command: "sh", Args: []string{"-c", "echo boom >&2; exit 3", "sh"}},
	}

	_, err = c.Run(context.Background(), req, Hooks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRunCancelledContextReportsAborted(t *testing.T) {
	c, err := NewCLI(types.ProviderClaudeCLI)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := &Request{
		Input: "hello",
		Agent: types.AgentConfig{Command: "sh", Args: []string{"-c", "sleep 5", "sh"}},
	}

	result, err := c.Run(ctx, req, Hooks{})
	if err == nil {
		assert.True(t, result.Aborted)
	}
}

func TestHooksNilSafe(t *testing.T) {
	var h Hooks
	h.text("x")
	h.thinking("x")
	h.toolCallStart("id", "tool", json.RawMessage(`{}`))
	h.toolResult("id", nil)
	h.sessionInfo("tok")
}
