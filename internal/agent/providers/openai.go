package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gatewright/gatewright/internal/agent"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements agent.Provider on the OpenAI chat
// completions API. BaseURL makes it usable against any compatible
// endpoint (Azure, local gateways).
type OpenAIProvider struct {
	BaseProvider
	client *openai.Client
	model  string
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
}

// NewOpenAIProvider validates the config and builds the provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", cfg.MaxRetries, cfg.RetryDelay),
		client:       openai.NewClientWithConfig(clientCfg),
		model:        cfg.Model,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Generate sends the transcript and returns the parsed reply.
func (p *OpenAIProvider) Generate(ctx context.Context, req *agent.Request) (*agent.Reply, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == agent.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}

	var resp openai.ChatCompletionResponse
	err := p.Retry(ctx, isRetryable, func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    p.model,
			Messages: messages,
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai completion: empty response")
	}
	return agent.ParseReply(resp.Choices[0].Message.Content), nil
}
