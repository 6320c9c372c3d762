package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/loqalabs/voicetext/internal/chat"
	"github.com/loqalabs/voicetext/internal/config"
)

var version = "0.1.0-dev"

func main() {
	var (
		validatePath string
		chatConfig   string
		chatPrompt   string
		chatMode     string
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&validatePath, "file", "voicetext.yaml", "Path to configuration file")

	chatCmd := flag.NewFlagSet("chat", flag.ExitOnError)
	chatCmd.StringVar(&chatConfig, "config", "voicetext.yaml", "Path to configuration file")
	chatCmd.StringVar(&chatPrompt, "prompt", "", "Prompt to send; read from stdin when empty")
	chatCmd.StringVar(&chatMode, "mode", "", "Override chat.mode from the configuration")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'chat' or 'version'")
		os.Exit(2)
	}

	_ = godotenv.Load()

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(validatePath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "chat":
		chatCmd.Parse(os.Args[2:])
		reply, err := runChat(chatConfig, chatMode, chatPrompt)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(reply)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runChat sends one prompt through the configured backend and returns the
// text a user would see, "Error: ..." included.
func runChat(configPath, mode, prompt string) (string, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return "", err
	}
	if mode != "" {
		cfg.Chat.Mode = mode
		if err := config.Validate(cfg); err != nil {
			return "", err
		}
	}
	if strings.TrimSpace(prompt) == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return "", errors.New("empty prompt")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()
	client, err := chat.New(ctx, cfg.Chat, logger)
	if err != nil {
		return "", err
	}
	reply, err := client.Send(ctx, prompt)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	return reply, nil
}

// loadConfig falls back to defaults when the default config file is absent.
func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == "voicetext.yaml" {
		return config.Load("")
	}
	return config.Load(path)
}
