package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/voicetext/internal/bus"
	"github.com/loqalabs/voicetext/internal/protocol"
	"github.com/nats-io/nats.go"
)

// busSource receives frames published by a remote capture source on NATS.
type busSource struct {
	client  *bus.Client
	subject string
	format  Format
	logger  *slog.Logger
}

// NewBusEngine returns an engine fed by protocol.AudioFrame messages published
// on audio.frame.<source>.
func NewBusEngine(client *bus.Client, sourceName string, format Format, logger *slog.Logger) (Engine, error) {
	if client == nil {
		return nil, errors.New("bus audio engine requires a bus connection")
	}
	src := &busSource{
		client:  client,
		subject: protocol.AudioFrameSubject(sourceName),
		format:  format,
		logger:  logger.With(slog.String("component", "audio-bus-source")),
	}
	return newEngine("bus", format, src, logger), nil
}

func (b *busSource) prepare() error {
	if !b.client.Healthy() {
		return errors.New("bus not connected")
	}
	return nil
}

func (b *busSource) open(ctx context.Context) (<-chan []byte, error) {
	frames := make(chan []byte, 32)
	sub, err := b.client.Conn().Subscribe(b.subject, func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			b.logger.Warn("failed to decode audio frame", slog.String("error", err.Error()))
			return
		}
		if frame.SampleRate != b.format.SampleRate || frame.Channels != b.format.Channels {
			b.logger.Warn("dropping audio frame with unexpected format",
				slog.Int("sample_rate", frame.SampleRate),
				slog.Int("channels", frame.Channels))
			return
		}
		select {
		case frames <- frame.PCM:
		case <-ctx.Done():
		default:
			b.logger.Warn("audio frame dropped, consumer too slow", slog.Int("sequence", frame.Sequence))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return frames, nil
}
