package stt

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/voicetext/internal/audio"
)

// defaultMaxCapture bounds the audio a batch recognizer keeps for one session.
// Audio past the limit is dropped, so partials never re-encode more than this.
const defaultMaxCapture = 10 * time.Minute

// BatchRecognizer streams by re-transcribing the growing capture buffer every
// partialEvery and once more, as final, when audio ends.
type BatchRecognizer struct {
	name           string
	transcriber    Transcriber
	partialEvery   time.Duration
	publishInterim bool
	maxCapture     time.Duration
	available      func() bool
	logger         *slog.Logger
}

func NewBatchRecognizer(name string, transcriber Transcriber, partialEvery time.Duration, publishInterim bool, available func() bool, logger *slog.Logger) *BatchRecognizer {
	if available == nil {
		available = func() bool { return true }
	}
	return &BatchRecognizer{
		name:           name,
		transcriber:    transcriber,
		partialEvery:   partialEvery,
		publishInterim: publishInterim,
		maxCapture:     defaultMaxCapture,
		available:      available,
		logger:         logger.With(slog.String("component", "stt-batch"), slog.String("recognizer", name)),
	}
}

func (b *BatchRecognizer) Name() string { return b.name }

func (b *BatchRecognizer) Available() bool { return b.available() }

func (b *BatchRecognizer) NewRequest() Request { return newBufferRequest() }

func (b *BatchRecognizer) StartTask(ctx context.Context, req Request, fn UpdateFunc) (Task, error) {
	br, err := asBufferRequest(req)
	if err != nil {
		return nil, err
	}
	return startTask(ctx, func(ctx context.Context) {
		b.run(ctx, br, emitter(ctx, fn))
	}), nil
}

func (b *BatchRecognizer) run(ctx context.Context, br *bufferRequest, emit UpdateFunc) {
	var (
		pcm         []byte
		lastPartial time.Time
		lastText    string
		truncated   bool
	)
	for {
		batch, ended, err := br.next(ctx)
		if err != nil {
			return
		}
		limit := b.captureLimit(br.audioFormat())
		for _, chunk := range batch {
			if limit > 0 && len(pcm)+len(chunk) > limit {
				if !truncated {
					truncated = true
					b.logger.Warn("capture limit reached, dropping further audio", slog.Duration("max_capture", b.maxCapture))
				}
				chunk = chunk[:max(0, limit-len(pcm))]
			}
			pcm = append(pcm, chunk...)
		}

		if ended {
			if len(pcm) == 0 {
				emit(Update{Text: lastText, Final: true})
				return
			}
			result, err := b.transcribe(ctx, pcm, br, true)
			if err != nil {
				if ctx.Err() == nil {
					emit(Update{Err: err})
				}
				return
			}
			emit(Update{Text: result.Text, Final: true})
			return
		}

		if !b.publishInterim || b.partialEvery <= 0 || len(pcm) == 0 {
			continue
		}
		if !lastPartial.IsZero() && time.Since(lastPartial) < b.partialEvery {
			continue
		}
		lastPartial = time.Now()
		result, err := b.transcribe(ctx, pcm, br, false)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("partial transcription failed", slogError(err))
			continue
		}
		if result.Text != "" && result.Text != lastText {
			lastText = result.Text
			emit(Update{Text: result.Text})
		}
	}
}

// captureLimit converts maxCapture to bytes of PCM. Zero means unlimited.
func (b *BatchRecognizer) captureLimit(format audio.Format) int {
	if b.maxCapture <= 0 || format.SampleRate <= 0 {
		return 0
	}
	frames := int(b.maxCapture.Seconds() * float64(format.SampleRate))
	return frames * format.BytesPerFrame()
}

func (b *BatchRecognizer) transcribe(ctx context.Context, pcm []byte, br *bufferRequest, final bool) (TranscriptResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()
	snapshot := append([]byte(nil), pcm...)
	return b.transcriber.Transcribe(ctx, snapshot, br.audioFormat(), final)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
