package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavSource replays a WAV file at real time, optionally looping.
type wavSource struct {
	path     string
	loop     bool
	frameDur time.Duration

	once   sync.Once
	format Format
	pcm    []byte
	err    error
}

// NewWAVEngine returns an engine that plays back the WAV file at path. The
// engine's output format is read from the file header.
func NewWAVEngine(path string, loop bool, frameDur time.Duration, logger *slog.Logger) (Engine, error) {
	if frameDur <= 0 {
		frameDur = 20 * time.Millisecond
	}
	src := &wavSource{path: path, loop: loop, frameDur: frameDur}
	if err := src.prepare(); err != nil {
		return nil, err
	}
	return newEngine("wav", src.format, src, logger), nil
}

func (w *wavSource) prepare() error {
	w.once.Do(func() {
		w.format, w.pcm, w.err = ReadWAV(w.path)
	})
	return w.err
}

func (w *wavSource) open(ctx context.Context) (<-chan []byte, error) {
	if err := w.prepare(); err != nil {
		return nil, err
	}
	if len(w.pcm) == 0 {
		return nil, fmt.Errorf("wav file %s has no samples", w.path)
	}
	frameBytes := int(float64(w.format.SampleRate)*w.frameDur.Seconds()) * w.format.BytesPerFrame()
	if frameBytes <= 0 {
		frameBytes = w.format.BytesPerFrame()
	}
	frames := make(chan []byte, 4)
	go func() {
		defer close(frames)
		ticker := time.NewTicker(w.frameDur)
		defer ticker.Stop()
		offset := 0
		for {
			if offset >= len(w.pcm) {
				if !w.loop {
					return
				}
				offset = 0
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			end := offset + frameBytes
			if end > len(w.pcm) {
				end = len(w.pcm)
			}
			frame := append([]byte(nil), w.pcm[offset:end]...)
			offset = end
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames, nil
}

// ReadWAV decodes a PCM WAV file into 16-bit little-endian samples.
func ReadWAV(path string) (Format, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Format{}, nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Format{}, nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Format{}, nil, fmt.Errorf("decode wav: %w", err)
	}
	format := Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}
	shift := int(dec.BitDepth) - 16

	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		var v int
		switch {
		case dec.BitDepth == 8:
			v = (sample - 128) << 8
		case shift > 0:
			v = sample >> shift
		default:
			v = sample
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return format, pcm, nil
}

// WriteWAV encodes 16-bit little-endian PCM as a WAV stream.
func WriteWAV(w io.WriteSeeker, pcm []byte, format Format) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, format.SampleRate, 16, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
