package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"medibot/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// ErrUnknownModel is returned for model ids that are not routed anywhere.
var ErrUnknownModel = errors.New("model not configured")

// Generator produces a completion for a conversation on a named model.
type Generator interface {
	Generate(ctx context.Context, modelName string, msgs []*schema.Message) (string, error)
	// Stream calls onDelta with each content fragment and returns the full text.
	Stream(ctx context.Context, modelName string, msgs []*schema.Message, onDelta func(string) error) (string, error)
}

type route struct {
	provider string
	model    string
}

// Registry builds eino chat models on first use and serves them by model id.
type Registry struct {
	cfg       *config.Config
	routes    map[string]route
	webSearch bool
	logger    *slog.Logger

	mu     sync.Mutex
	models map[string]model.ToolCallingChatModel
	agents map[string]*react.Agent
}

// NewRegistry routes the configured fast and pro model ids to their providers.
func NewRegistry(cfg *config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		cfg:       cfg,
		routes:    make(map[string]route),
		webSearch: cfg.BasicConfig.WebSearch,
		logger:    logger.With("component", "ai"),
		models:    make(map[string]model.ToolCallingChatModel),
		agents:    make(map[string]*react.Agent),
	}
	r.routes[cfg.Router.FastModel] = route{provider: cfg.Router.FastProvider, model: cfg.Router.FastModel}
	r.routes[cfg.Router.ProModel] = route{provider: cfg.Router.ProProvider, model: cfg.Router.ProModel}
	return r
}

func (r *Registry) chatModel(ctx context.Context, modelName string) (model.ToolCallingChatModel, error) {
	rt, ok := r.routes[modelName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[modelName]; ok {
		return m, nil
	}
	provCfg, ok := r.cfg.Providers[rt.provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", rt.provider)
	}
	m, err := NewChatModel(ctx, rt.provider, rt.model, provCfg)
	if err != nil {
		return nil, err
	}
	r.models[modelName] = m
	return m, nil
}

// agent wraps the pro tier in a react agent with the web search tool.
func (r *Registry) agent(ctx context.Context, modelName string, m model.ToolCallingChatModel) *react.Agent {
	if !r.webSearch || modelName != r.cfg.Router.ProModel {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[modelName]; ok {
		return a
	}
	tools := InitToolsChain(r.logger)
	if len(tools) == 0 {
		return nil
	}
	a, err := react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel: m,
		ToolsConfig: compose.ToolsNodeConfig{
			Tools: tools,
		},
	})
	if err != nil {
		r.logger.Warn("react agent disabled", "model", modelName, "error", err)
		return nil
	}
	r.agents[modelName] = a
	return a
}

func (r *Registry) Generate(ctx context.Context, modelName string, msgs []*schema.Message) (string, error) {
	m, err := r.chatModel(ctx, modelName)
	if err != nil {
		return "", err
	}
	var out *schema.Message
	if a := r.agent(ctx, modelName, m); a != nil {
		out, err = a.Generate(ctx, msgs)
	} else {
		out, err = m.Generate(ctx, msgs)
	}
	if err != nil {
		return "", fmt.Errorf("generate with %s: %w", modelName, err)
	}
	return out.Content, nil
}

func (r *Registry) Stream(ctx context.Context, modelName string, msgs []*schema.Message, onDelta func(string) error) (string, error) {
	m, err := r.chatModel(ctx, modelName)
	if err != nil {
		return "", err
	}
	var streamReader *schema.StreamReader[*schema.Message]
	if a := r.agent(ctx, modelName, m); a != nil {
		streamReader, err = a.Stream(ctx, msgs)
	} else {
		streamReader, err = m.Stream(ctx, msgs)
	}
	if err != nil {
		return "", fmt.Errorf("stream with %s: %w", modelName, err)
	}
	defer streamReader.Close()

	var full strings.Builder
	for {
		chunk, err := streamReader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("stream with %s: %w", modelName, err)
		}
		full.WriteString(chunk.Content)
		if onDelta != nil && chunk.Content != "" {
			if err := onDelta(chunk.Content); err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}

// NewChatModel builds an eino chat model for provider.
func NewChatModel(ctx context.Context, provider, modelName string, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	if modelName == "" {
		modelName = provCfg.Model
	}
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
			ThinkingConfig: &genai.ThinkingConfig{
				IncludeThoughts: false,
			},
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s model %s: %w", provider, modelName, err)
	}
	return chatModel, nil
}
