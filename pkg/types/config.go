package types

// Config is the application configuration merged from config files and
// environment overrides.
type Config struct {
	Schema string `json:"$schema,omitempty"`

	// Model is the default hosted model as "provider/model".
	Model string `json:"model,omitempty"`

	Provider map[string]ProviderConfig `json:"provider,omitempty"`
	Agent    map[string]AgentConfig    `json:"agent,omitempty"`

	RateLimit *RateLimitConfig `json:"rateLimit,omitempty"`
	Audio     *AudioConfig     `json:"audio,omitempty"`

	// EventLog enables the append-only chat lifecycle event store.
	EventLog bool `json:"eventLog,omitempty"`

	// CallbackBaseURL is the externally reachable base URL used to build
	// callback URLs handed to external agents.
	CallbackBaseURL string `json:"callbackBaseUrl,omitempty"`
}

// ProviderConfig holds upstream credentials for a hosted completion provider.
type ProviderConfig struct {
	APIKey    string `json:"apiKey,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

// Provider kinds dispatched by the run lifecycle.
const (
	ProviderHosted    = "hosted"
	ProviderClaudeCLI = "claude-cli"
	ProviderCodexCLI  = "codex-cli"
	ProviderGeminiCLI = "gemini-cli"
	ProviderExternal  = "external"
)

// AgentConfig declares an agent and the provider kind that backs it.
type AgentConfig struct {
	// Provider is one of the Provider* kind constants.
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`

	// Command overrides the subprocess binary for CLI providers.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// URL is the HTTP endpoint for external agents.
	URL string `json:"url,omitempty"`
	// TimeoutMs bounds the external forward call.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// RateLimitConfig configures the per-session sliding-window limiter.
// MaxTokens <= 0 disables limiting.
type RateLimitConfig struct {
	MaxTokens int   `json:"maxTokens"`
	WindowMs  int64 `json:"windowMs"`
}

// AudioConfig configures synthesized audio output.
type AudioConfig struct {
	SampleRate      int    `json:"sampleRate,omitempty"`
	FrameDurationMs int    `json:"frameDurationMs,omitempty"`
	Voice           string `json:"voice,omitempty"`
	// Endpoint is the speech synthesis HTTP endpoint.
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
}
