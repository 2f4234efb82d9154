// Package types defines the shared data model for the converse server.
package types

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one role-tagged entry in a session transcript.
type ChatMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
}

// SessionTime tracks creation and update timestamps in unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// SessionSummary is the durable metadata for a logical session.
// Live run state (messages, active run, queue) is owned by the in-process
// state store; the summary is what the session index persists.
type SessionSummary struct {
	ID            string      `json:"id"`
	Title         string      `json:"title,omitempty"`
	AgentID       string      `json:"agentId,omitempty"`
	Model         string      `json:"model,omitempty"`
	ThinkingLevel string      `json:"thinkingLevel,omitempty"`
	Deleted       bool        `json:"deleted,omitempty"`
	Time          SessionTime `json:"time"`

	// Providers maps a provider kind to its continuation token, e.g. the
	// subprocess session id recorded after a CLI turn.
	Providers map[string]string `json:"providers,omitempty"`
}

// Clone returns a deep copy of the summary.
func (s *SessionSummary) Clone() *SessionSummary {
	out := *s
	if s.Providers != nil {
		out.Providers = make(map[string]string, len(s.Providers))
		for k, v := range s.Providers {
			out.Providers[k] = v
		}
	}
	return &out
}

// Input and output modes for a connection.
const (
	ModeText  = "text"
	ModeVoice = "voice"
	ModeBoth  = "both"
)

// Session resolution strategies for ResolveAgentSession.
const (
	ResolveLatest         = "latest"
	ResolveCreate         = "create"
	ResolveLatestOrCreate = "latest-or-create"
)
