package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/voicetext/internal/audio"
	"github.com/loqalabs/voicetext/internal/config"
)

var testFormat = audio.Format{SampleRate: 16000, Channels: 1}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type updates struct {
	mu   sync.Mutex
	list []Update
}

func (u *updates) add(update Update) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.list = append(u.list, update)
}

func (u *updates) snapshot() []Update {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Update(nil), u.list...)
}

func (u *updates) last() (Update, bool) {
	list := u.snapshot()
	if len(list) == 0 {
		return Update{}, false
	}
	return list[len(list)-1], true
}

func (u *updates) waitTerminal(t *testing.T) Update {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if last, ok := u.last(); ok && (last.Final || last.Err != nil) {
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no terminal update, got %+v", u.snapshot())
	return Update{}
}

func chunk(seq int) audio.Chunk {
	return audio.Chunk{Sequence: seq, Format: testFormat, PCM: make([]byte, 320)}
}

func TestMockRecognizerRevealsScript(t *testing.T) {
	rec := &MockRecognizer{ChunksPerWord: 2}
	req := rec.NewRequest()
	var got updates
	task, err := rec.StartTask(context.Background(), req, got.add)
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	defer task.Cancel()

	for i := 0; i < 4; i++ {
		req.Append(chunk(i))
	}
	req.EndAudio()

	final := got.waitTerminal(t)
	if final.Text != "hello world" {
		t.Fatalf("expected final 'hello world', got %q", final.Text)
	}
	for _, u := range got.snapshot() {
		if u.Err != nil {
			t.Fatalf("unexpected error update: %v", u.Err)
		}
	}
}

func TestMockRecognizerUnavailable(t *testing.T) {
	rec := &MockRecognizer{Unavailable: true}
	if rec.Available() {
		t.Fatalf("expected recognizer to be unavailable")
	}
}

func TestCancelledTaskStopsEmitting(t *testing.T) {
	rec := NewMockRecognizer()
	req := rec.NewRequest()
	var got updates
	tk, err := rec.StartTask(context.Background(), req, got.add)
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	tk.Cancel()
	select {
	case <-tk.(*task).done:
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not exit after cancel")
	}
	req.Append(chunk(0))
	req.EndAudio()
	time.Sleep(20 * time.Millisecond)
	if n := len(got.snapshot()); n != 0 {
		t.Fatalf("expected no updates after cancel, got %d", n)
	}
}

func TestRequestFromAnotherRecognizerRejected(t *testing.T) {
	rec := NewMockRecognizer()
	if _, err := rec.StartTask(context.Background(), foreignRequest{}, func(Update) {}); err == nil {
		t.Fatalf("expected foreign request to be rejected")
	}
}

type foreignRequest struct{}

func (foreignRequest) Append(audio.Chunk) {}
func (foreignRequest) EndAudio()          {}

type fakeTranscriber struct {
	mu       sync.Mutex
	calls    []bool
	finalErr error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, pcm []byte, format audio.Format, final bool) (TranscriptResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, final)
	f.mu.Unlock()
	if final && f.finalErr != nil {
		return TranscriptResult{}, f.finalErr
	}
	return TranscriptResult{Text: fmt.Sprintf("%d bytes at %d", len(pcm), format.SampleRate)}, nil
}

func TestBatchRecognizerFinalTranscribesWholeCapture(t *testing.T) {
	fake := &fakeTranscriber{}
	rec := NewBatchRecognizer("fake", fake, 0, false, nil, newLogger())
	req := rec.NewRequest()
	var got updates
	task, err := rec.StartTask(context.Background(), req, got.add)
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	defer task.Cancel()

	for i := 0; i < 3; i++ {
		req.Append(chunk(i))
	}
	req.EndAudio()

	final := got.waitTerminal(t)
	if final.Err != nil {
		t.Fatalf("unexpected error: %v", final.Err)
	}
	if final.Text != "960 bytes at 16000" {
		t.Fatalf("unexpected final text %q", final.Text)
	}
	if len(got.snapshot()) != 1 {
		t.Fatalf("expected only the final update without interim publishing, got %+v", got.snapshot())
	}
}

func TestBatchRecognizerPublishesPartials(t *testing.T) {
	fake := &fakeTranscriber{}
	rec := NewBatchRecognizer("fake", fake, time.Nanosecond, true, nil, newLogger())
	req := rec.NewRequest()
	var got updates
	task, err := rec.StartTask(context.Background(), req, got.add)
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	defer task.Cancel()

	req.Append(chunk(0))
	deadline := time.Now().Add(2 * time.Second)
	for len(got.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	first := got.snapshot()
	if len(first) == 0 || first[0].Final || first[0].Text != "320 bytes at 16000" {
		t.Fatalf("expected a partial update, got %+v", first)
	}
	req.EndAudio()
	if final := got.waitTerminal(t); !final.Final {
		t.Fatalf("expected final update, got %+v", final)
	}
}

func TestBatchRecognizerCapsCapture(t *testing.T) {
	fake := &fakeTranscriber{}
	rec := NewBatchRecognizer("fake", fake, 0, false, nil, newLogger())
	rec.maxCapture = 15 * time.Millisecond
	req := rec.NewRequest()
	var got updates
	task, err := rec.StartTask(context.Background(), req, got.add)
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	defer task.Cancel()

	for i := 0; i < 3; i++ {
		req.Append(chunk(i))
	}
	req.EndAudio()

	final := got.waitTerminal(t)
	if final.Text != "480 bytes at 16000" {
		t.Fatalf("expected capture capped at 15ms of audio, got %q", final.Text)
	}
}

func TestBatchRecognizerFinalFailureIsTerminal(t *testing.T) {
	fake := &fakeTranscriber{finalErr: errors.New("model crashed")}
	rec := NewBatchRecognizer("fake", fake, 0, false, nil, newLogger())
	req := rec.NewRequest()
	var got updates
	task, err := rec.StartTask(context.Background(), req, got.add)
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	defer task.Cancel()

	req.Append(chunk(0))
	req.EndAudio()
	terminal := got.waitTerminal(t)
	if terminal.Err == nil || !strings.Contains(terminal.Err.Error(), "model crashed") {
		t.Fatalf("expected terminal error, got %+v", terminal)
	}
}

func TestHypothesisJoinsFinalsAndInterim(t *testing.T) {
	h := &hypothesis{}
	if text, changed := h.apply("hello", false); !changed || text != "hello" {
		t.Fatalf("unexpected %q %v", text, changed)
	}
	if _, changed := h.apply("hello ", false); changed {
		t.Fatalf("identical hypothesis should not report a change")
	}
	if text, _ := h.apply("hello there", true); text != "hello there" {
		t.Fatalf("unexpected %q", text)
	}
	if text, _ := h.apply("general", false); text != "hello there general" {
		t.Fatalf("unexpected %q", text)
	}
	if text, _ := h.apply("", true); text != "hello there" {
		t.Fatalf("empty final should drop the interim segment, got %q", text)
	}
}

func TestDeepgramRecognizerStreamsAndFinalises(t *testing.T) {
	upgrader := websocket.Upgrader{}
	type handshake struct{ auth, query string }
	handshakes := make(chan handshake, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handshakes <- handshake{auth: r.Header.Get("Authorization"), query: r.URL.RawQuery}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch mt {
			case websocket.BinaryMessage:
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello"}]}}`))
			case websocket.TextMessage:
				if !strings.Contains(string(data), "CloseStream") {
					continue
				}
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata"}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello world"}]}}`))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_, _, _ = conn.ReadMessage()
				return
			}
		}
	}))
	defer server.Close()

	rec := NewDeepgramRecognizer(config.STTConfig{
		Endpoint: "ws" + strings.TrimPrefix(server.URL, "http"),
		APIKey:   "secret",
		Language: "en-US",
	}, testFormat, newLogger())
	if !rec.Available() {
		t.Fatalf("recognizer with api key should be available")
	}

	req := rec.NewRequest()
	var got updates
	task, err := rec.StartTask(context.Background(), req, got.add)
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	defer task.Cancel()

	req.Append(chunk(0))
	req.Append(chunk(1))
	req.EndAudio()

	final := got.waitTerminal(t)
	if final.Err != nil {
		t.Fatalf("unexpected error: %v", final.Err)
	}
	if final.Text != "hello world" {
		t.Fatalf("expected final 'hello world', got %q", final.Text)
	}
	hs := <-handshakes
	gotQuery := hs.query
	if gotAuth := hs.auth; gotAuth != "Token secret" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	for _, want := range []string{"encoding=linear16", "sample_rate=16000", "interim_results=true", "language=en-US"} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestDeepgramRecognizerReportsServerCloseMidSession(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello"}]}}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "NET-0001 timeout"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	rec := NewDeepgramRecognizer(config.STTConfig{
		Endpoint: "ws" + strings.TrimPrefix(server.URL, "http"),
		APIKey:   "secret",
	}, testFormat, newLogger())
	req := rec.NewRequest()
	var got updates
	task, err := rec.StartTask(context.Background(), req, got.add)
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	defer task.Cancel()

	terminal := got.waitTerminal(t)
	var closeErr *websocket.CloseError
	if !errors.As(terminal.Err, &closeErr) || closeErr.Code != websocket.CloseInternalServerErr {
		t.Fatalf("expected the server close reason, got %+v", terminal)
	}
	if !strings.Contains(terminal.Err.Error(), "NET-0001 timeout") {
		t.Fatalf("close text missing from %v", terminal.Err)
	}
	if first := got.snapshot()[0]; first.Text != "hello" || first.Err != nil {
		t.Fatalf("expected the interim before the error, got %+v", got.snapshot())
	}
}

func TestDeepgramRecognizerWithoutKeyUnavailable(t *testing.T) {
	rec := NewDeepgramRecognizer(config.STTConfig{}, testFormat, newLogger())
	if rec.Available() {
		t.Fatalf("recognizer without api key should be unavailable")
	}
}

func TestNewSelectsRecognizer(t *testing.T) {
	rec, err := New(context.Background(), config.STTConfig{Mode: "mock"}, testFormat, newLogger())
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	if rec.Name() != "mock" || !rec.Available() {
		t.Fatalf("unexpected mock recognizer %s available=%v", rec.Name(), rec.Available())
	}

	rec, err = New(context.Background(), config.STTConfig{Mode: "exec", Command: "voicetext-missing-binary --fast"}, testFormat, newLogger())
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if rec.Available() {
		t.Fatalf("exec recognizer with a missing binary should be unavailable")
	}

	if _, err := New(context.Background(), config.STTConfig{Mode: "exec"}, testFormat, newLogger()); err == nil {
		t.Fatalf("expected empty exec command to fail")
	}
	if _, err := New(context.Background(), config.STTConfig{Mode: "carrier-pigeon"}, testFormat, newLogger()); err == nil {
		t.Fatalf("expected unsupported mode to fail")
	}
}
