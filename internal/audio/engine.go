package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Format describes interleaved little-endian signed 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerFrame is the size of one sample across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * 2
}

// Chunk is one tap delivery.
type Chunk struct {
	Sequence int
	Format   Format
	PCM      []byte
}

// TapFunc receives captured audio on the engine's delivery goroutine.
type TapFunc func(Chunk)

// InputNode is the capture side of an Engine.
type InputNode interface {
	OutputFormat() Format
	InstallTap(bufferSize int, format Format, fn TapFunc) error
	RemoveTap() error
}

// Engine is a capture engine. Start begins tap delivery, Stop halts it.
type Engine interface {
	Name() string
	InputNode() InputNode
	Prepare()
	Start() error
	Stop() error
}

var (
	ErrTapInstalled    = errors.New("audio tap already installed")
	ErrFormatMismatch  = errors.New("tap format does not match input format")
	ErrAlreadyRunning  = errors.New("audio engine already running")
	ErrInvalidBuffer   = errors.New("tap buffer size must be positive")
	errSourceExhausted = errors.New("audio source exhausted")
)

// source produces raw PCM frames in the engine's format once opened.
type source interface {
	prepare() error
	open(ctx context.Context) (<-chan []byte, error)
}

type tap struct {
	bufferBytes int
	fn          TapFunc
}

// engine pumps frames from a source into the installed tap, re-chunked to the
// tap's buffer size.
type engine struct {
	name   string
	format Format
	src    source
	logger *slog.Logger

	mu      sync.Mutex
	tap     *tap
	pending []byte
	seq     int
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newEngine(name string, format Format, src source, logger *slog.Logger) *engine {
	return &engine{
		name:   name,
		format: format,
		src:    src,
		logger: logger.With(slog.String("component", "audio-engine"), slog.String("engine", name)),
	}
}

func (e *engine) Name() string { return e.name }

func (e *engine) InputNode() InputNode { return e }

func (e *engine) OutputFormat() Format { return e.format }

func (e *engine) InstallTap(bufferSize int, format Format, fn TapFunc) error {
	if bufferSize <= 0 {
		return ErrInvalidBuffer
	}
	if format == (Format{}) {
		format = e.format
	}
	if format != e.format {
		return fmt.Errorf("%w: got %+v want %+v", ErrFormatMismatch, format, e.format)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tap != nil {
		return ErrTapInstalled
	}
	e.tap = &tap{bufferBytes: bufferSize * format.BytesPerFrame(), fn: fn}
	e.pending = e.pending[:0]
	e.seq = 0
	return nil
}

func (e *engine) RemoveTap() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tap = nil
	e.pending = nil
	return nil
}

func (e *engine) Prepare() {
	if err := e.src.prepare(); err != nil {
		e.logger.Warn("audio engine prepare failed", slog.String("error", err.Error()))
	}
}

func (e *engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	frames, err := e.src.open(ctx)
	if err != nil {
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("open %s source: %w", e.name, err)
	}
	done := make(chan struct{})
	e.running = true
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	go e.pump(ctx, frames, done)
	e.logger.Debug("audio engine started")
	return nil
}

func (e *engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel, done := e.cancel, e.done
	e.running = false
	e.cancel = nil
	e.done = nil
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("audio engine %s did not stop within 2s", e.name)
	}
	e.logger.Debug("audio engine stopped")
	return nil
}

func (e *engine) pump(ctx context.Context, frames <-chan []byte, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				e.logger.Debug("audio source closed", slog.String("error", errSourceExhausted.Error()))
				return
			}
			e.deliver(frame)
		}
	}
}

func (e *engine) deliver(frame []byte) {
	var out []Chunk
	var fn TapFunc

	e.mu.Lock()
	if e.tap == nil {
		e.mu.Unlock()
		return
	}
	fn = e.tap.fn
	e.pending = append(e.pending, frame...)
	for len(e.pending) >= e.tap.bufferBytes {
		pcm := make([]byte, e.tap.bufferBytes)
		copy(pcm, e.pending)
		e.pending = e.pending[e.tap.bufferBytes:]
		out = append(out, Chunk{Sequence: e.seq, Format: e.format, PCM: pcm})
		e.seq++
	}
	e.mu.Unlock()

	for _, chunk := range out {
		fn(chunk)
	}
}
