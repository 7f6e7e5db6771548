package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/mindmesh/internal/config"
)

// ModelGenerator drives an agentsdk-go model provider.
type ModelGenerator struct {
	provider  model.Provider
	maxTokens int
}

// NewModelGenerator wraps an existing provider.
func NewModelGenerator(provider model.Provider, maxTokens int) *ModelGenerator {
	return &ModelGenerator{provider: provider, maxTokens: maxTokens}
}

// NewProviderGenerator builds the anthropic (default) or openai provider from config.
func NewProviderGenerator(cfg *config.Config) *ModelGenerator {
	temperature := cfg.Model.Temperature
	var provider model.Provider
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			ModelName:   cfg.Model.Name,
			MaxTokens:   cfg.Model.MaxTokens,
			Temperature: &temperature,
			CacheTTL:    30 * time.Minute,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			ModelName:   cfg.Model.Name,
			MaxTokens:   cfg.Model.MaxTokens,
			Temperature: &temperature,
			CacheTTL:    30 * time.Minute,
		}
	}
	return NewModelGenerator(provider, cfg.Model.MaxTokens)
}

func (g *ModelGenerator) Generate(ctx context.Context, prompt string, opts Options) (*Completion, error) {
	mdl, err := g.provider.Model(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve model: %w", err)
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}
	system := opts.System
	if opts.JSON {
		system = strings.TrimSpace(system + "\nRespond with a single JSON object and nothing else.")
	}

	resp, err := mdl.Complete(ctx, model.Request{
		Messages: []model.Message{{
			Role:    "user",
			Content: prompt,
		}},
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		SessionID:   opts.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	if resp == nil {
		return nil, ErrEmptyCompletion
	}
	content := strings.TrimSpace(resp.Message.Content)
	if content == "" {
		return nil, ErrEmptyCompletion
	}
	return &Completion{Content: content, UsageTokens: resp.Usage.TotalTokens}, nil
}

// NewFromConfig selects the generator implementation for cfg.Provider.Type and
// applies the configured rate limit.
func NewFromConfig(cfg *config.Config) Generator {
	var gen Generator
	switch cfg.Provider.Type {
	case "http":
		gen = NewChatClient(cfg)
	default:
		gen = NewProviderGenerator(cfg)
	}
	return WithRateLimit(gen, cfg.Limits.RequestsPerSecond, cfg.Limits.Burst)
}
