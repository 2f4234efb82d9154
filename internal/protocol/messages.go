package protocol

import "encoding/json"

// Error codes.
const (
	ErrCodeProtocol              = "PROTOCOL_ERROR"
	ErrCodeUnsupportedVersion    = "UNSUPPORTED_VERSION"
	ErrCodeSessionNotFound       = "SESSION_NOT_FOUND"
	ErrCodeSessionDeleted        = "SESSION_DELETED"
	ErrCodeSessionNotReady       = "SESSION_NOT_READY"
	ErrCodeEmptyInput            = "EMPTY_INPUT"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeProviderError         = "PROVIDER_ERROR"
	ErrCodeProviderNotConfigured = "PROVIDER_NOT_CONFIGURED"
	ErrCodeExternalAgent         = "EXTERNAL_AGENT_ERROR"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// ErrorMessage reports a failure with a machine-readable code.
type ErrorMessage struct {
	Type      string         `json:"type"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewError builds an error message.
func NewError(code, message string) *ErrorMessage {
	return &ErrorMessage{Type: MsgError, Code: code, Message: message}
}

// NewRetryableError builds an error message hinting the condition is transient.
func NewRetryableError(code, message string) *ErrorMessage {
	return &ErrorMessage{Type: MsgError, Code: code, Message: message, Retryable: true}
}

// WithDetails attaches structured details.
func (e *ErrorMessage) WithDetails(details map[string]any) *ErrorMessage {
	e.Details = details
	return e
}

// SessionReady marks a (connection, session) pair as ready for input.
type SessionReady struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Subscribed acknowledges a session subscription.
type Subscribed struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Primary   bool   `json:"primary,omitempty"`
}

// Unsubscribed acknowledges removal of a session binding.
type Unsubscribed struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SessionCreated announces a newly created session.
type SessionCreated struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Delta carries a streamed chunk of assistant text.
type Delta struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
	Delta      string `json:"delta"`
}

// Done carries the full accumulated text of a completed turn.
type Done struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
	Text       string `json:"text"`
}

// ThinkingDelta carries a streamed chunk of reasoning text.
type ThinkingDelta struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
	Delta      string `json:"delta"`
}

// ThinkingDone signals the end of the reasoning channel for a turn.
type ThinkingDone struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
}

// ToolCallStart announces a tool invocation observed during a turn.
type ToolCallStart struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	CallID    string          `json:"callId"`
	ToolName  string          `json:"toolName"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// ToolResult carries the outcome of a tool invocation.
type ToolResult struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	CallID    string          `json:"callId"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// UserMessage broadcasts a user input to other subscribers of a session.
type UserMessage struct {
	Type            string `json:"type"`
	SessionID       string `json:"sessionId"`
	MessageID       string `json:"messageId"`
	Text            string `json:"text"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}

// OutputCancelled acknowledges a cancel_output control action.
type OutputCancelled struct {
	Type               string `json:"type"`
	SessionID          string `json:"sessionId"`
	ResponseID         string `json:"responseId,omitempty"`
	AudioTruncatedAtMs int64  `json:"audioTruncatedAtMs,omitempty"`
}

// ExternalAgentError reports a failed forward to an external agent.
type ExternalAgentError struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
