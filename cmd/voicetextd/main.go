package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/loqalabs/voicetext/internal/config"
	"github.com/loqalabs/voicetext/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		envPath     string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "voicetext.yaml", "Path to configuration file")
	flag.StringVar(&envPath, "env", ".env", "Optional dotenv file with VOICETEXT_* overrides and API keys")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		bootLogger.Error("failed to load env file", slog.String("path", envPath), slog.String("error", err.Error()))
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	slog.SetDefault(logger)

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
