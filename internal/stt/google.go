package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/loqalabs/voicetext/internal/audio"
	"github.com/loqalabs/voicetext/internal/config"
)

const googleRecvGrace = 5 * time.Second

// GoogleRecognizer streams to Cloud Speech-to-Text with interim results.
// Credentials come from the environment (GOOGLE_APPLICATION_CREDENTIALS).
type GoogleRecognizer struct {
	client   *speech.Client
	language string
	model    string
	format   audio.Format
	logger   *slog.Logger
}

// NewGoogleRecognizer never fails: a recognizer whose client could not be
// created reports itself unavailable.
func NewGoogleRecognizer(ctx context.Context, cfg config.STTConfig, format audio.Format, logger *slog.Logger) *GoogleRecognizer {
	g := &GoogleRecognizer{
		language: cfg.Language,
		model:    cfg.Model,
		format:   format,
		logger:   logger.With(slog.String("component", "stt-google")),
	}
	client, err := speech.NewClient(ctx)
	if err != nil {
		g.logger.Warn("google speech client unavailable", slogError(err))
		return g
	}
	g.client = client
	return g
}

func (g *GoogleRecognizer) Name() string { return "google" }

func (g *GoogleRecognizer) Available() bool { return g.client != nil }

func (g *GoogleRecognizer) NewRequest() Request { return newBufferRequest() }

func (g *GoogleRecognizer) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *GoogleRecognizer) StartTask(ctx context.Context, req Request, fn UpdateFunc) (Task, error) {
	if g.client == nil {
		return nil, errors.New("google speech client not initialized")
	}
	br, err := asBufferRequest(req)
	if err != nil {
		return nil, err
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	stream, err := g.client.StreamingRecognize(streamCtx)
	if err != nil {
		cancelStream()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}
	languageCode := g.language
	if languageCode == "" {
		languageCode = "en-US"
	}
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:          speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:   int32(g.format.SampleRate),
					AudioChannelCount: int32(g.format.Channels),
					LanguageCode:      languageCode,
					Model:             g.model,
				},
				InterimResults: true,
			},
		},
	}); err != nil {
		cancelStream()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	return startTask(ctx, func(ctx context.Context) {
		defer cancelStream()
		g.run(ctx, stream, br, emitter(ctx, fn))
	}), nil
}

func (g *GoogleRecognizer) run(ctx context.Context, stream speechpb.Speech_StreamingRecognizeClient, br *bufferRequest, emit UpdateFunc) {
	hyp := &hypothesis{}
	readDone := make(chan error, 1)
	sendCtx, stopSend := context.WithCancel(ctx)
	defer stopSend()
	go func() {
		err := g.receive(stream, hyp, emit)
		stopSend()
		readDone <- err
	}()

	sendErr := g.send(sendCtx, stream, br)
	if ctx.Err() != nil {
		return
	}
	if sendErr != nil {
		// A failed Send only reports io.EOF; the stream status comes from Recv.
		var readErr error
		select {
		case <-ctx.Done():
			return
		case readErr = <-readDone:
		case <-time.After(googleRecvGrace):
		}
		switch {
		case readErr != nil:
			emit(Update{Err: readErr})
		case errors.Is(sendErr, context.Canceled):
			emit(Update{Err: errors.New("google speech stream ended before audio ended")})
		default:
			emit(Update{Err: sendErr})
		}
		return
	}

	select {
	case <-ctx.Done():
	case err := <-readDone:
		if err != nil {
			if ctx.Err() == nil {
				emit(Update{Err: err})
			}
			return
		}
		emit(Update{Text: hyp.text(), Final: true})
	}
}

func (g *GoogleRecognizer) send(ctx context.Context, stream speechpb.Speech_StreamingRecognizeClient, br *bufferRequest) error {
	for {
		batch, ended, err := br.next(ctx)
		if err != nil {
			return err
		}
		for _, chunk := range batch {
			if err := stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
			}); err != nil {
				return fmt.Errorf("failed to send audio data: %w", err)
			}
		}
		if ended {
			if err := stream.CloseSend(); err != nil {
				return fmt.Errorf("failed to close send stream: %w", err)
			}
			return nil
		}
	}
}

// receive returns nil when the server finishes the stream normally.
func (g *GoogleRecognizer) receive(stream speechpb.Speech_StreamingRecognizeClient, hyp *hypothesis, emit UpdateFunc) error {
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to receive response: %w", err)
		}
		if status := resp.GetError(); status != nil && status.GetCode() != 0 {
			return fmt.Errorf("google speech error %d: %s", status.GetCode(), status.GetMessage())
		}

		var interim []string
		changed := false
		text := hyp.text()
		for _, result := range resp.GetResults() {
			alts := result.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			if result.GetIsFinal() {
				var c bool
				text, c = hyp.apply(alts[0].GetTranscript(), true)
				changed = changed || c
				continue
			}
			interim = append(interim, strings.TrimSpace(alts[0].GetTranscript()))
		}
		if len(interim) > 0 {
			var c bool
			text, c = hyp.apply(strings.Join(interim, " "), false)
			changed = changed || c
		}
		if changed {
			emit(Update{Text: text})
		}
	}
}
