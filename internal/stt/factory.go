package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/voicetext/internal/audio"
	"github.com/loqalabs/voicetext/internal/config"
)

// New builds the recognizer selected by cfg.Mode. format is the capture
// format the recognizer will be fed.
func New(ctx context.Context, cfg config.STTConfig, format audio.Format, logger *slog.Logger) (Recognizer, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		transcriber, err := NewExecTranscriber(cfg)
		if err != nil {
			return nil, err
		}
		command := cfg.Command
		partialEvery := time.Duration(cfg.PartialEveryMS) * time.Millisecond
		return NewBatchRecognizer("exec", transcriber, partialEvery, cfg.PublishInterim, func() bool {
			return commandAvailable(command)
		}, logger), nil
	case "deepgram":
		return NewDeepgramRecognizer(cfg, format, logger), nil
	case "google":
		return NewGoogleRecognizer(ctx, cfg, format, logger), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
