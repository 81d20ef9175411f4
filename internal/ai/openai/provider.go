// Package openai implements ai.ChatProvider with the OpenAI chat completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DukeRupert/lingocoach/internal/ai"
	"github.com/DukeRupert/lingocoach/internal/domain"
	goopenai "github.com/sashabaranov/go-openai"
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = goopenai.GPT4oMini

// Config for the OpenAI provider
type Config struct {
	APIKey         string
	Model          string
	BaseURL        string  // Optional, for compatible gateways and tests
	Temperature    float32 // default: 0.7
	ProviderConfig ai.ProviderConfig
}

// Provider wraps the go-openai client.
type Provider struct {
	client *goopenai.Client
	config Config
	logger *slog.Logger
}

// New creates an OpenAI-backed chat provider.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	cfg.ProviderConfig = cfg.ProviderConfig.WithDefaults()

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.ProviderConfig.RequestTimeout}

	return &Provider{
		client: goopenai.NewClientWithConfig(clientCfg),
		config: cfg,
		logger: logger,
	}, nil
}

func (p *Provider) Name() string { return "openai" }

// Generate sends the conversation to the chat completions endpoint.
func (p *Provider) Generate(ctx context.Context, params ai.GenerateParams) (*ai.Reply, error) {
	start := time.Now()

	req := goopenai.ChatCompletionRequest{
		Model:       p.config.Model,
		Messages:    toMessages(params),
		Temperature: p.config.Temperature,
		MaxTokens:   p.config.ProviderConfig.MaxTokens,
		User:        params.UserID.String(),
	}

	resp, err := ai.Retry(ctx, p.config.ProviderConfig, p.logger, func(ctx context.Context) (goopenai.ChatCompletionResponse, error) {
		resp, err := p.client.CreateChatCompletion(ctx, req)
		return resp, mapError(ctx, err)
	})
	if err != nil {
		return nil, ai.WrapError("chat completion", err)
	}

	if len(resp.Choices) == 0 {
		return nil, ai.WrapError("chat completion", ai.EAIEmptyReply)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, ai.WrapError("chat completion", ai.EAIEmptyReply)
	}

	return &ai.Reply{
		Text: text,
		Usage: ai.UsageInfo{
			Model:        resp.Model,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			Duration:     time.Since(start),
		},
	}, nil
}

func toMessages(params ai.GenerateParams) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(params.History)+2)
	msgs = append(msgs, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleSystem,
		Content: params.SystemPromptOrDefault(),
	})
	for _, m := range params.History {
		role := goopenai.ChatMessageRoleUser
		if m.Role == domain.ChatRoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return append(msgs, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: params.Message,
	})
}

// mapError translates client errors into provider errors so the retry
// policy can tell transient failures apart.
func mapError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ai.EAITimeout
	}

	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return ai.EAIUnavailable
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ai.EAIUnauthorized
	case http.StatusTooManyRequests:
		return ai.EAIRateLimit
	case http.StatusRequestTimeout:
		return ai.EAITimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusInternalServerError:
		return ai.EAIUnavailable
	}
	if apiErr != nil && apiErr.Code == "content_policy_violation" {
		return ai.EAIContentPolicy
	}
	return err
}
