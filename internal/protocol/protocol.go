// Package protocol defines the JSON wire protocol spoken over a persistent
// connection, plus the machine-readable error taxonomy.
package protocol

import "encoding/json"

// Supported protocol versions. Anything else is fatal to the connection.
const (
	VersionLegacy  = 1
	VersionCurrent = 2
)

// Inbound message kinds.
const (
	MsgHello           = "hello"
	MsgInput           = "input"
	MsgCancelQueued    = "cancel_queued"
	MsgSetModes        = "set_modes"
	MsgControl         = "control"
	MsgPing            = "ping"
	MsgSubscribe       = "subscribe"
	MsgUnsubscribe     = "unsubscribe"
	MsgSetSessionModel = "set_session_model"
)

// Control actions.
const (
	ActionCancelOutput = "cancel_output"
)

// Outbound message kinds.
const (
	MsgSessionReady       = "session_ready"
	MsgSubscribed         = "subscribed"
	MsgUnsubscribed       = "unsubscribed"
	MsgSessionCreated     = "session_created"
	MsgDelta              = "delta"
	MsgDone               = "done"
	MsgThinkingDelta      = "thinking_delta"
	MsgThinkingDone       = "thinking_done"
	MsgToolCallStart      = "tool_call_start"
	MsgToolResult         = "tool_result"
	MsgUserMessage        = "user_message"
	MsgError              = "error"
	MsgPong               = "pong"
	MsgOutputCancelled    = "output_cancelled"
	MsgExternalAgentError = "external_agent_error"
)

// Envelope is the decoded form of any inbound message.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// hello
	ProtocolVersion int      `json:"protocolVersion,omitempty"`
	Subscriptions   []string `json:"subscriptions,omitempty"`
	AgentID         string   `json:"agentId,omitempty"`
	AudioOutput     bool     `json:"audioOutput,omitempty"`

	// input
	Text            string `json:"text,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`

	// cancel_queued
	MessageID string `json:"messageId,omitempty"`

	// set_modes
	InputMode  string `json:"inputMode,omitempty"`
	OutputMode string `json:"outputMode,omitempty"`

	// control
	Action string `json:"action,omitempty"`

	// set_session_model
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
}

// Decode parses raw JSON into an envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
