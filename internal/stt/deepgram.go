package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/voicetext/internal/audio"
	"github.com/loqalabs/voicetext/internal/config"
)

const (
	deepgramWSURL     = "wss://api.deepgram.com/v1/listen"
	deepgramWriteWait = 10 * time.Second
)

// DeepgramRecognizer streams linear16 audio to Deepgram's live endpoint.
type DeepgramRecognizer struct {
	endpoint string
	apiKey   string
	language string
	model    string
	format   audio.Format
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func NewDeepgramRecognizer(cfg config.STTConfig, format audio.Format, logger *slog.Logger) *DeepgramRecognizer {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = deepgramWSURL
	}
	return &DeepgramRecognizer{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		language: cfg.Language,
		model:    cfg.Model,
		format:   format,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger.With(slog.String("component", "stt-deepgram")),
	}
}

func (d *DeepgramRecognizer) Name() string { return "deepgram" }

func (d *DeepgramRecognizer) Available() bool { return d.apiKey != "" }

func (d *DeepgramRecognizer) NewRequest() Request { return newBufferRequest() }

func (d *DeepgramRecognizer) listenURL() (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse deepgram endpoint: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.format.SampleRate))
	q.Set("channels", strconv.Itoa(d.format.Channels))
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	if d.language != "" {
		q.Set("language", d.language)
	}
	if d.model != "" {
		q.Set("model", d.model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *DeepgramRecognizer) StartTask(ctx context.Context, req Request, fn UpdateFunc) (Task, error) {
	br, err := asBufferRequest(req)
	if err != nil {
		return nil, err
	}
	listen, err := d.listenURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{"Authorization": {"Token " + d.apiKey}}
	conn, _, err := d.dialer.DialContext(ctx, listen, header)
	if err != nil {
		return nil, fmt.Errorf("deepgram connection failed: %w", err)
	}
	return startTask(ctx, func(ctx context.Context) {
		d.run(ctx, conn, br, emitter(ctx, fn))
	}), nil
}

func (d *DeepgramRecognizer) run(ctx context.Context, conn *websocket.Conn, br *bufferRequest, emit UpdateFunc) {
	defer conn.Close()

	hyp := &hypothesis{}
	readDone := make(chan error, 1)
	sendCtx, stopSend := context.WithCancel(ctx)
	defer stopSend()
	go func() {
		err := d.read(conn, hyp, emit)
		stopSend()
		readDone <- err
	}()

	sendErr := d.send(sendCtx, conn, br)
	if ctx.Err() != nil {
		conn.Close()
		<-readDone
		return
	}
	if sendErr != nil {
		readerEnded := sendCtx.Err() != nil
		conn.Close()
		readErr := <-readDone
		var closeErr *websocket.CloseError
		switch {
		case errors.As(readErr, &closeErr):
			emit(Update{Err: fmt.Errorf("deepgram closed the stream: %w", readErr)})
		case readerEnded:
			emit(Update{Err: fmt.Errorf("deepgram read: %w", readErr)})
		default:
			emit(Update{Err: sendErr})
		}
		return
	}

	select {
	case <-ctx.Done():
		conn.Close()
		<-readDone
	case err := <-readDone:
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) && ctx.Err() == nil {
			emit(Update{Err: fmt.Errorf("deepgram read: %w", err)})
			return
		}
		emit(Update{Text: hyp.text(), Final: true})
	}
}

// send forwards queued audio until EndAudio. It stops early when ctx is
// cancelled, which also happens once the reader has exited.
func (d *DeepgramRecognizer) send(ctx context.Context, conn *websocket.Conn, br *bufferRequest) error {
	for {
		batch, ended, err := br.next(ctx)
		if err != nil {
			return err
		}
		for _, chunk := range batch {
			_ = conn.SetWriteDeadline(time.Now().Add(deepgramWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return fmt.Errorf("deepgram write: %w", err)
			}
		}
		if ended {
			_ = conn.SetWriteDeadline(time.Now().Add(deepgramWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
				return fmt.Errorf("deepgram close stream: %w", err)
			}
			return nil
		}
	}
}

// read consumes results until the connection closes. It returns the read error.
func (d *DeepgramRecognizer) read(conn *websocket.Conn, hyp *hypothesis, emit UpdateFunc) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var resp deepgramResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			d.logger.Warn("failed to decode deepgram message", slogError(err))
			continue
		}
		if resp.Type != "" && resp.Type != "Results" {
			continue
		}
		if len(resp.Channel.Alternatives) == 0 {
			continue
		}
		if text, changed := hyp.apply(resp.Channel.Alternatives[0].Transcript, resp.IsFinal); changed {
			emit(Update{Text: text})
		}
	}
}

// hypothesis joins finalized segments with the current interim segment.
// Only the reading goroutine calls apply; text is read after it exits.
type hypothesis struct {
	finals  []string
	interim string
	last    string
}

func (h *hypothesis) apply(segment string, final bool) (string, bool) {
	segment = strings.TrimSpace(segment)
	if final {
		if segment != "" {
			h.finals = append(h.finals, segment)
		}
		h.interim = ""
	} else {
		h.interim = segment
	}
	text := h.text()
	if text == h.last {
		return text, false
	}
	h.last = text
	return text, true
}

func (h *hypothesis) text() string {
	parts := append([]string(nil), h.finals...)
	if h.interim != "" {
		parts = append(parts, h.interim)
	}
	return strings.Join(parts, " ")
}
