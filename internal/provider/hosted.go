package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/converse-ai/converse/internal/logging"
	"github.com/converse-ai/converse/pkg/types"
)

const defaultMaxTokens = 4096

// Hosted serves turns with vendor completion APIs through Eino chat
// models. Model references are "vendor/model"; anthropic and openai
// vendors are supported.
type Hosted struct {
	vendors      map[string]types.ProviderConfig
	defaultModel string

	mu     sync.Mutex
	models map[string]model.ToolCallingChatModel
}

// NewHosted creates the hosted provider. vendors maps vendor name to
// credentials; defaultModel is used when a request names no model.
func NewHosted(vendors map[string]types.ProviderConfig, defaultModel string) *Hosted {
	return &Hosted{
		vendors:      vendors,
		defaultModel: defaultModel,
		models:       make(map[string]model.ToolCallingChatModel),
	}
}

// Kind returns the hosted dispatch kind.
func (h *Hosted) Kind() string { return types.ProviderHosted }

// Run streams one completion turn.
func (h *Hosted) Run(ctx context.Context, req *Request, hooks Hooks) (*Result, error) {
	ref := req.Model
	if ref == "" {
		ref = req.Agent.Model
	}
	if ref == "" {
		ref = h.defaultModel
	}
	vendor, modelID, err := splitModelRef(ref)
	if err != nil {
		return nil, err
	}

	chatModel, err := h.chatModel(ctx, vendor, modelID)
	if err != nil {
		return nil, err
	}

	stream, err := chatModel.Stream(ctx, buildMessages(req))
	if err != nil {
		if ctx.Err() != nil {
			return &Result{Aborted: true}, nil
		}
		return nil, fmt.Errorf("start completion stream: %w", err)
	}
	defer stream.Close()

	var text strings.Builder
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return &Result{Text: text.String(), Aborted: true}, nil
			}
			return nil, fmt.Errorf("completion stream: %w", err)
		}
		hooks.thinking(msg.ReasoningContent)
		hooks.text(msg.Content)
		text.WriteString(msg.Content)
	}

	return &Result{Text: text.String()}, nil
}

func (h *Hosted) chatModel(ctx context.Context, vendor, modelID string) (model.ToolCallingChatModel, error) {
	key := vendor + "/" + modelID

	h.mu.Lock()
	defer h.mu.Unlock()
	if cached, ok := h.models[key]; ok {
		return cached, nil
	}

	cfg := h.vendors[vendor]
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: vendor %q has no api key", ErrNotConfigured, vendor)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	var (
		cm  model.ToolCallingChatModel
		err error
	)
	switch vendor {
	case "anthropic":
		claudeCfg := &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     modelID,
			MaxTokens: maxTokens,
		}
		if cfg.BaseURL != "" {
			claudeCfg.BaseURL = &cfg.BaseURL
		}
		cm, err = claude.NewChatModel(ctx, claudeCfg)
	case "openai":
		openaiCfg := &openai.ChatModelConfig{
			APIKey:              cfg.APIKey,
			Model:               modelID,
			MaxCompletionTokens: &maxTokens,
		}
		if cfg.BaseURL != "" {
			openaiCfg.BaseURL = cfg.BaseURL
		}
		cm, err = openai.NewChatModel(ctx, openaiCfg)
	default:
		return nil, fmt.Errorf("%w: unknown vendor %q", ErrNotConfigured, vendor)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s chat model: %w", vendor, err)
	}

	h.models[key] = cm
	logging.Debug().Str("vendor", vendor).Str("model", modelID).Msg("hosted chat model ready")
	return cm, nil
}

func splitModelRef(ref string) (vendor, modelID string, err error) {
	vendor, modelID, ok := strings.Cut(ref, "/")
	if !ok || vendor == "" || modelID == "" {
		return "", "", fmt.Errorf("%w: model reference %q is not vendor/model", ErrNotConfigured, ref)
	}
	return vendor, modelID, nil
}

func buildMessages(req *Request) []*schema.Message {
	messages := make([]*schema.Message, 0, len(req.History)+1)
	for _, m := range req.History {
		role := schema.Assistant
		if m.Role == types.RoleUser {
			role = schema.User
		}
		messages = append(messages, &schema.Message{Role: role, Content: m.Text})
	}
	return append(messages, &schema.Message{Role: schema.User, Content: req.Input})
}
