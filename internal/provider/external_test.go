package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converse-ai/converse/pkg/types"
)

func TestExternalInlineAnswer(t *testing.T) {
	var got externalRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(externalResponse{Text: "answer"})
	}))
	defer srv.Close()

	e := NewExternal("https://converse.example.com")
	req := &Request{
		SessionID: "s1",
		AgentID:   "helper",
		Input:     "question",
		Agent:     types.AgentConfig{URL: srv.URL},
	}

	var streamed string
	result, err := e.Run(context.Background(), req, Hooks{OnText: func(d string) { streamed = d }})
	require.NoError(t, err)
	assert.Equal(t, "answer", result.Text)
	assert.Equal(t, "answer", streamed)
	assert.Equal(t, "question", got.Input)
	assert.Equal(t, "https://converse.example.com/callback/s1", got.CallbackURL)
}

func TestExternalRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(externalResponse{Text: "eventually"})
	}))
	defer srv.Close()

	e := NewExternal("")
	result, err := e.Run(context.Background(), &Request{
		SessionID: "s1",
		Input:     "q",
		Agent:     types.AgentConfig{URL: srv.URL},
	}, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "eventually", result.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExternalClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e := NewExternal("")
	_, err := e.Run(context.Background(), &Request{
		SessionID: "s1",
		Input:     "q",
		Agent:     types.AgentConfig{URL: srv.URL},
	}, Hooks{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExternalAsyncAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(externalResponse{Async: true})
	}))
	defer srv.Close()

	e := NewExternal("")
	called := false
	result, err := e.Run(context.Background(), &Request{
		SessionID: "s1",
		Input:     "q",
		Agent:     types.AgentConfig{URL: srv.URL},
	}, Hooks{OnText: func(string) { called = true }})
	require.NoError(t, err)
	assert.Empty(t, result.Text)
	assert.False(t, called)
}

func TestExternalMissingURL(t *testing.T) {
	e := NewExternal("")
	_, err := e.Run(context.Background(), &Request{SessionID: "s1", AgentID: "a"}, Hooks{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	ext := NewExternal("")
	r.Register(ext)
	cli, err := NewCLI(types.ProviderClaudeCLI)
	require.NoError(t, err)
	r.Register(cli)

	got, err := r.Get(types.ProviderExternal)
	require.NoError(t, err)
	assert.Same(t, Provider(ext), got)

	got, err = r.Get(types.ProviderClaudeCLI)
	require.NoError(t, err)
	assert.Equal(t, types.ProviderClaudeCLI, got.Kind())

	_, err = r.Get("unknown")
	assert.ErrorIs(t, err, ErrNotConfigured)

	assert.ElementsMatch(t, []string{types.ProviderExternal, types.ProviderClaudeCLI}, r.Kinds())
}

func TestSplitModelRef(t *testing.T) {
	vendor, modelID, err := splitModelRef("anthropic/claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", vendor)
	assert.Equal(t, "claude-sonnet-4", modelID)

	_, _, err = splitModelRef("bare-model")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestHostedMissingKey(t *testing.T) {
	h := NewHosted(map[string]types.ProviderConfig{}, "anthropic/claude-sonnet-4")
	_, err := h.Run(context.Background(), &Request{Input: "hi"}, Hooks{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
