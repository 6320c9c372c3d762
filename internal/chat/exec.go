package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/loqalabs/voicetext/internal/config"
	"github.com/mattn/go-shellwords"
)

// execClient pipes {"prompt", "system", "max_tokens", "temperature"} to a
// command's stdin and expects {"content": ...} on stdout.
type execClient struct {
	cmd         []string
	system      string
	maxTokens   int
	temperature float64
}

type execResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

func NewExecClient(cfg config.ChatConfig) (Client, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse chat command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("chat command empty")
	}
	return &execClient{
		cmd:         args,
		system:      cfg.SystemPrompt,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (c *execClient) Send(ctx context.Context, prompt string) (string, error) {
	input, err := json.Marshal(map[string]any{
		"prompt":      prompt,
		"system":      c.system,
		"max_tokens":  c.maxTokens,
		"temperature": c.temperature,
	})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("chat exec command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode chat exec response: %w", err)
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	return resp.Content, nil
}
