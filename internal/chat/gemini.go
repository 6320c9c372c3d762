package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/voicetext/internal/config"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

type geminiClient struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

func NewGeminiClient(ctx context.Context, cfg config.ChatConfig) (Client, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	generate := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(cfg.Temperature)),
	}
	if cfg.MaxTokens > 0 {
		generate.MaxOutputTokens = int32(cfg.MaxTokens)
	}
	if cfg.SystemPrompt != "" {
		generate.SystemInstruction = genai.NewContentFromText(cfg.SystemPrompt, genai.RoleUser)
	}
	return &geminiClient{client: client, model: model, config: generate}, nil
}

func (c *geminiClient) Send(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, c.config)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini returned no candidates")
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			text.WriteString(part.Text)
		}
	}
	return text.String(), nil
}
