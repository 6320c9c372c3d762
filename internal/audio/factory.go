package audio

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/voicetext/internal/bus"
	"github.com/loqalabs/voicetext/internal/config"
)

// New builds the engine selected by cfg.Mode. client is only used by the bus
// engine and may be nil otherwise.
func New(cfg config.AudioConfig, client *bus.Client, logger *slog.Logger) (Engine, error) {
	format := Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	frameDur := time.Duration(cfg.FrameDurationMS) * time.Millisecond
	switch cfg.Mode {
	case "", "mock":
		return NewMockEngine(format, frameDur, logger), nil
	case "wav":
		return NewWAVEngine(cfg.WAVPath, cfg.Loop, frameDur, logger)
	case "bus":
		return NewBusEngine(client, cfg.Source, format, logger)
	default:
		return nil, fmt.Errorf("unsupported audio mode %q", cfg.Mode)
	}
}
