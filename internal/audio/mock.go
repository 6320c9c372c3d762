package audio

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"time"
)

// mockSource synthesises a quiet 440 Hz tone paced at real time.
type mockSource struct {
	format   Format
	frameDur time.Duration
}

// NewMockEngine returns an engine that needs no capture hardware.
func NewMockEngine(format Format, frameDur time.Duration, logger *slog.Logger) Engine {
	if frameDur <= 0 {
		frameDur = 20 * time.Millisecond
	}
	return newEngine("mock", format, &mockSource{format: format, frameDur: frameDur}, logger)
}

func (m *mockSource) prepare() error { return nil }

func (m *mockSource) open(ctx context.Context) (<-chan []byte, error) {
	frames := make(chan []byte, 4)
	samplesPerFrame := int(float64(m.format.SampleRate) * m.frameDur.Seconds())
	if samplesPerFrame <= 0 {
		samplesPerFrame = 1
	}
	go func() {
		defer close(frames)
		ticker := time.NewTicker(m.frameDur)
		defer ticker.Stop()
		var n int
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			pcm := make([]byte, samplesPerFrame*m.format.BytesPerFrame())
			for i := 0; i < samplesPerFrame; i++ {
				v := int16(1200 * math.Sin(2*math.Pi*440*float64(n)/float64(m.format.SampleRate)))
				n++
				for c := 0; c < m.format.Channels; c++ {
					off := (i*m.format.Channels + c) * 2
					binary.LittleEndian.PutUint16(pcm[off:], uint16(v))
				}
			}
			select {
			case frames <- pcm:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames, nil
}
