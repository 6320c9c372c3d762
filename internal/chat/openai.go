package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/loqalabs/voicetext/internal/config"
	"github.com/sashabaranov/go-openai"
)

type openAIClient struct {
	client      *openai.Client
	model       string
	system      string
	maxTokens   int
	temperature float32
}

// NewOpenAIClient talks to the chat completions API. cfg.Endpoint overrides
// the base URL for compatible servers.
func NewOpenAIClient(cfg config.ChatConfig) Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &openAIClient{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		system:      cfg.SystemPrompt,
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
	}
}

func (c *openAIClient) Send(ctx context.Context, prompt string) (string, error) {
	var messages []openai.ChatCompletionMessage
	if c.system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
