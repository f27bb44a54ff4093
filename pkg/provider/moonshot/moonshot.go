// Package moonshot talks to OpenAI-compatible chat completion endpoints
// such as Moonshot.
package moonshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"replybot/pkg/config"
	providertypes "replybot/pkg/provider/types"
)

const (
	DefaultBaseURL   = "https://api.moonshot.cn/v1"
	DefaultModel     = "moonshot-v1-8k"
	defaultAPIKeyEnv = "MOONSHOT_API_KEY"
)

type chatAPI interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

type Client struct {
	api   chatAPI
	model string
}

func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.Moonshot
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("providers.moonshot.api_key_env is required or MOONSHOT_API_KEY must be set")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = DefaultBaseURL
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}

	model := strings.TrimSpace(cfg.Generation.Model)
	if model == "" {
		model = DefaultModel
	}

	return &Client{
		api:   openai.NewClientWithConfig(clientCfg),
		model: model,
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

func (c *Client) Complete(ctx context.Context, prompt providertypes.Prompt, sampling providertypes.SamplingConfig) (providertypes.PromptResult, error) {
	log := slog.Default().With("component", "provider.moonshot", "operation", "complete")
	startedAt := time.Now()

	input := strings.TrimSpace(prompt.Input)
	if input == "" {
		return providertypes.PromptResult{}, errors.New("prompt input is required")
	}

	model := strings.TrimSpace(sampling.Model)
	if model == "" {
		model = c.model
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: buildMessages(prompt),
	}
	if sampling.Temperature != nil {
		req.Temperature = requestTemperature(*sampling.Temperature)
	}
	if sampling.MaxTokens > 0 {
		req.MaxTokens = sampling.MaxTokens
	}

	log.Debug("provider request started", "model", model, "messages", len(req.Messages))
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.PromptResult{}, fmt.Errorf("chat completion: %w", err)
	}
	// No choices or blank content come back as empty text; the caller
	// decides what an empty completion means.
	var text string
	if len(resp.Choices) > 0 {
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	usage := providertypes.TokenUsage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
		TotalTokens:  int64(resp.Usage.TotalTokens),
	}
	metadata := providertypes.PromptMetadata{Provider: "moonshot", Model: model}
	if !usage.IsZero() {
		metadata.Usage = &usage
	}

	return providertypes.PromptResult{Text: text, Metadata: metadata}, nil
}

func buildMessages(prompt providertypes.Prompt) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(prompt.History)+2)
	if system := strings.TrimSpace(prompt.System); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, turn := range prompt.History {
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if turn.Role == providertypes.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: text})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: strings.TrimSpace(prompt.Input),
	})

	return messages
}

func resolveAPIKey(cfg config.MoonshotProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv(defaultAPIKeyEnv))
}

// requestTemperature maps zero to the smallest positive float32; go-openai
// omits a zero temperature from the request body, which would let the
// endpoint apply its own default.
func requestTemperature(t float64) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}
