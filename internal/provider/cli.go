package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/converse-ai/converse/internal/logging"
	"github.com/converse-ai/converse/pkg/types"
)

const (
	defaultCLITimeout = 5 * time.Minute
	scannerBufferSize = 1024 * 1024
)

// cliVariant describes how one coding-agent CLI is invoked. All three
// variants emit line-delimited stream-json on stdout and are otherwise
// interchangeable.
type cliVariant struct {
	binary string
	args   func(req *Request) []string
}

var cliVariants = map[string]cliVariant{
	types.ProviderClaudeCLI: {
		binary: "claude",
		args: func(req *Request) []string {
			args := []string{"-p", req.Input, "--output-format", "stream-json", "--verbose"}
			if req.Model != "" {
				args = append(args, "--model", req.Model)
			}
			if req.ContinuationToken != "" {
				args = append(args, "--resume", req.ContinuationToken)
			}
			return args
		},
	},
	types.ProviderCodexCLI: {
		binary: "codex",
		args: func(req *Request) []string {
			args := []string{"exec", "--json"}
			if req.ContinuationToken != "" {
				args = append(args, "resume", req.ContinuationToken)
			}
			if req.Model != "" {
				args = append(args, "--model", req.Model)
			}
			return append(args, req.Input)
		},
	},
	types.ProviderGeminiCLI: {
		binary: "gemini",
		args: func(req *Request) []string {
			args := []string{"--output-format", "stream-json", "--prompt", req.Input}
			if req.Model != "" {
				args = append(args, "--model", req.Model)
			}
			if req.ContinuationToken != "" {
				args = append(args, "--resume", req.ContinuationToken)
			}
			return args
		},
	},
}

// CLI runs chat turns through a coding-agent subprocess, parsing its
// stream-json output into hook events. One CLI value serves one variant
// kind.
type CLI struct {
	kind    string
	variant cliVariant
	timeout time.Duration
}

// NewCLI creates the provider for one CLI variant kind.
func NewCLI(kind string) (*CLI, error) {
	variant, ok := cliVariants[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown cli variant %q", ErrNotConfigured, kind)
	}
	return &CLI{kind: kind, variant: variant, timeout: defaultCLITimeout}, nil
}

// Kind returns the variant dispatch kind.
func (c *CLI) Kind() string { return c.kind }

// commandLine resolves the binary and argv for a request, honoring
// per-agent command overrides.
func (c *CLI) commandLine(req *Request) (string, []string) {
	binary := c.variant.binary
	if req.Agent.Command != "" {
		binary = req.Agent.Command
	}
	args := c.variant.args(req)
	if len(req.Agent.Args) > 0 {
		args = append(append([]string(nil), req.Agent.Args...), args...)
	}
	return binary, args
}

// streamEvent is one normalized record produced by the stdout reader.
type streamEvent struct {
	kind     string // "text", "thinking", "tool_call", "tool_result", "session", "error"
	text     string
	callID   string
	toolName string
	payload  json.RawMessage
	token    string
}

// Run starts the subprocess and consumes its event stream until exit.
func (c *CLI) Run(ctx context.Context, req *Request, hooks Hooks) (*Result, error) {
	timeout := c.timeout
	if req.Agent.TimeoutMs > 0 {
		timeout = time.Duration(req.Agent.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	binary, args := c.commandLine(req)
	cmd := exec.CommandContext(runCtx, binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	log := logging.For("provider." + c.kind)
	log.Debug().Str("sessionID", req.SessionID).Str("binary", binary).Msg("subprocess started")

	// Producer: parse stdout lines into normalized events.
	events := make(chan streamEvent)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, scannerBufferSize), scannerBufferSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			for _, ev := range parseStreamLine(line) {
				select {
				case events <- ev:
				case <-runCtx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("stdout scanner error")
		}
	}()

	// Consumer: drive hooks and accumulate the response.
	var text strings.Builder
	var token string
	for ev := range events {
		switch ev.kind {
		case "text":
			hooks.text(ev.text)
			text.WriteString(ev.text)
		case "thinking":
			hooks.thinking(ev.text)
		case "tool_call":
			hooks.toolCallStart(ev.callID, ev.toolName, ev.payload)
		case "tool_result":
			hooks.toolResult(ev.callID, ev.payload)
		case "session":
			token = ev.token
			hooks.sessionInfo(ev.token)
		case "error":
			log.Warn().Str("detail", ev.text).Msg("subprocess reported error")
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil || runCtx.Err() != nil {
		return &Result{Text: text.String(), Aborted: true, ContinuationToken: token}, nil
	}
	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		return nil, fmt.Errorf("%s exited: %s", binary, detail)
	}

	return &Result{Text: text.String(), ContinuationToken: token}, nil
}

// rawStreamEvent is one line of CLI stream-json output.
type rawStreamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type rawMessage struct {
	Content []rawContentBlock `json:"content"`
}

type rawContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// parseStreamLine maps one stream-json line to normalized events.
// Unparseable lines degrade to plain text so output is never lost.
func parseStreamLine(line []byte) []streamEvent {
	var raw rawStreamEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return []streamEvent{{kind: "text", text: string(line)}}
	}

	switch raw.Type {
	case "system":
		if raw.Subtype == "init" && raw.SessionID != "" {
			return []streamEvent{{kind: "session", token: raw.SessionID}}
		}
		return nil
	case "assistant":
		return parseAssistantMessage(raw.Message)
	case "user":
		return parseToolResults(raw.Message)
	case "result":
		var out []streamEvent
		if raw.SessionID != "" {
			out = append(out, streamEvent{kind: "session", token: raw.SessionID})
		}
		if raw.Error != "" {
			out = append(out, streamEvent{kind: "error", text: raw.Error})
		}
		return out
	default:
		return nil
	}
}

func parseAssistantMessage(message json.RawMessage) []streamEvent {
	if message == nil {
		return nil
	}
	var msg rawMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return []streamEvent{{kind: "text", text: string(message)}}
	}

	var out []streamEvent
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				out = append(out, streamEvent{kind: "text", text: block.Text})
			}
		case "thinking":
			if block.Thinking != "" {
				out = append(out, streamEvent{kind: "thinking", text: block.Thinking})
			}
		case "tool_use":
			out = append(out, streamEvent{
				kind:     "tool_call",
				callID:   block.ID,
				toolName: block.Name,
				payload:  block.Input,
			})
		}
	}
	return out
}

func parseToolResults(message json.RawMessage) []streamEvent {
	if message == nil {
		return nil
	}
	var msg rawMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return nil
	}

	var out []streamEvent
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		out = append(out, streamEvent{
			kind:    "tool_result",
			callID:  block.ToolUseID,
			payload: block.Content,
		})
	}
	return out
}
