package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/converse-ai/converse/internal/logging"
	"github.com/converse-ai/converse/pkg/types"
)

const (
	defaultExternalTimeout = 30 * time.Second
	externalMaxRetries     = 3
)

// External forwards chat turns to a remote agent over HTTP. The agent
// may answer inline or asynchronously through the callback URL included
// in the request.
type External struct {
	client          *http.Client
	callbackBaseURL string
}

// NewExternal creates the external provider. callbackBaseURL is the
// externally reachable base used to build per-session callback URLs.
func NewExternal(callbackBaseURL string) *External {
	return &External{
		client:          &http.Client{},
		callbackBaseURL: callbackBaseURL,
	}
}

// Kind returns the external dispatch kind.
func (e *External) Kind() string { return types.ProviderExternal }

// externalRequest is the JSON body forwarded to the agent endpoint.
type externalRequest struct {
	SessionID   string `json:"sessionId"`
	AgentID     string `json:"agentId"`
	Input       string `json:"input"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// externalResponse is the agent's inline answer. Async is set when the
// agent will push the answer through the callback instead.
type externalResponse struct {
	Text  string `json:"text,omitempty"`
	Async bool   `json:"async,omitempty"`
}

// Run forwards the turn with bounded retries. Transport failures and 5xx
// answers are retried; 4xx answers fail immediately.
func (e *External) Run(ctx context.Context, req *Request, hooks Hooks) (*Result, error) {
	if req.Agent.URL == "" {
		return nil, fmt.Errorf("%w: agent %q has no url", ErrNotConfigured, req.AgentID)
	}

	timeout := defaultExternalTimeout
	if req.Agent.TimeoutMs > 0 {
		timeout = time.Duration(req.Agent.TimeoutMs) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(externalRequest{
		SessionID:   req.SessionID,
		AgentID:     req.AgentID,
		Input:       req.Input,
		CallbackURL: e.callbackURL(req.SessionID),
	})
	if err != nil {
		return nil, fmt.Errorf("encode forward request: %w", err)
	}

	log := logging.For("provider.external")

	var answer externalResponse
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, req.Agent.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("agent returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("agent returned %d", resp.StatusCode))
		}
		if err := json.Unmarshal(respBody, &answer); err != nil {
			return backoff.Permanent(fmt.Errorf("decode agent response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), externalMaxRetries),
		callCtx,
	)
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retryIn", next).Str("sessionID", req.SessionID).Msg("external agent forward failed")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctx.Err() != nil {
			return &Result{Aborted: true}, nil
		}
		return nil, fmt.Errorf("forward to external agent: %w", err)
	}

	if answer.Async {
		// The answer arrives through the callback endpoint later.
		return &Result{}, nil
	}
	hooks.text(answer.Text)
	return &Result{Text: answer.Text}, nil
}

func (e *External) callbackURL(sessionID string) string {
	if e.callbackBaseURL == "" {
		return ""
	}
	return e.callbackBaseURL + "/callback/" + sessionID
}
