package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/voicetext/internal/audio"
	"github.com/loqalabs/voicetext/internal/chat"
	"github.com/loqalabs/voicetext/internal/config"
	"github.com/loqalabs/voicetext/internal/controller"
	"github.com/loqalabs/voicetext/internal/eventstore"
	"github.com/loqalabs/voicetext/internal/session"
	"github.com/loqalabs/voicetext/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, recognizer stt.Recognizer) *httptest.Server {
	t.Helper()
	logger := newLogger()
	ctx := context.Background()

	store, err := eventstore.Open(ctx, config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctrl := controller.New(nil, &chat.MockClient{Reply: "Hi there!"}, controller.Options{
		Store:          store,
		EngineName:     "mock",
		RecognizerName: recognizer.Name(),
		Logger:         logger,
	})
	engine := audio.NewMockEngine(audio.Format{SampleRate: 16000, Channels: 1}, 10*time.Millisecond, logger)
	rec := session.New(engine, recognizer, ctrl, session.Options{TapBufferSize: 160, Logger: logger})
	ctrl.SetRecorder(rec)

	a := &api{
		controller: ctrl,
		store:      store,
		ready:      func() bool { return true },
		logger:     logger,
	}
	srv := httptest.NewServer(a.routes())
	t.Cleanup(func() {
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rec.Close(shutdownCtx)
		ctrl.Close()
		_ = store.Close()
	})
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return resp, data
}

func getJSON(t *testing.T, srv *httptest.Server, path string, v any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t, stt.NewMockRecognizer())
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, resp.StatusCode)
		}
	}
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("metrics should not be served when disabled, got %d", resp.StatusCode)
	}
}

func TestRecordLifecycle(t *testing.T) {
	srv := newTestServer(t, stt.NewMockRecognizer())

	resp, body := post(t, srv, "/v1/record/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start returned %d: %s", resp.StatusCode, body)
	}
	var started recordResponse
	if err := json.Unmarshal(body, &started); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if !started.State.Recording || started.State.SessionID == "" {
		t.Fatalf("expected recording state, got %+v", started.State)
	}

	resp, body = post(t, srv, "/v1/record/start", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start should conflict, got %d: %s", resp.StatusCode, body)
	}

	resp, body = post(t, srv, "/v1/record/toggle", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle returned %d: %s", resp.StatusCode, body)
	}
	var stopped recordResponse
	if err := json.Unmarshal(body, &stopped); err != nil {
		t.Fatalf("decode toggle: %v", err)
	}
	if stopped.State.Recording {
		t.Fatalf("toggle should have stopped recording, got %+v", stopped.State)
	}

	var recordings []eventstore.Recording
	getJSON(t, srv, "/v1/recordings", &recordings)
	if len(recordings) != 1 {
		t.Fatalf("expected one recording, got %d", len(recordings))
	}
	if recordings[0].SessionID != started.State.SessionID || recordings[0].EndReason != string(session.ReasonStopped) {
		t.Fatalf("unexpected recording %+v", recordings[0])
	}

	var events []map[string]any
	getJSON(t, srv, "/v1/recordings/"+started.State.SessionID+"/events", &events)
	if len(events) < 2 {
		t.Fatalf("expected start and end events, got %v", events)
	}
}

func TestRecordUnavailableRecognizer(t *testing.T) {
	srv := newTestServer(t, &stt.MockRecognizer{Unavailable: true})

	resp, body := post(t, srv, "/v1/record/toggle", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", resp.StatusCode, body)
	}
	var out recordResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.State.Recording || out.Error == "" {
		t.Fatalf("unexpected response %+v", out)
	}
}

func TestChatEndpoint(t *testing.T) {
	srv := newTestServer(t, stt.NewMockRecognizer())

	resp, body := post(t, srv, "/v1/chat", `{"prompt":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat returned %d: %s", resp.StatusCode, body)
	}
	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Display != "Hi there!" || out.Exchange.Prompt != "hello" {
		t.Fatalf("unexpected chat response %+v", out)
	}

	resp, body = post(t, srv, "/v1/chat", `{"prompt":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body should be rejected, got %d: %s", resp.StatusCode, body)
	}

	var exchanges []eventstore.Exchange
	getJSON(t, srv, "/v1/exchanges?limit=5", &exchanges)
	if len(exchanges) != 1 || exchanges[0].Response != "Hi there!" {
		t.Fatalf("unexpected exchanges %+v", exchanges)
	}
}

func TestStateStream(t *testing.T) {
	srv := newTestServer(t, stt.NewMockRecognizer())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/state/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var initial controller.State
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("read initial state: %v", err)
	}

	if resp, body := post(t, srv, "/v1/chat", `{"prompt":"hello"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("chat returned %d: %s", resp.StatusCode, body)
	}
	for {
		var st controller.State
		if err := conn.ReadJSON(&st); err != nil {
			t.Fatalf("read state: %v", err)
		}
		if st.Version <= initial.Version {
			t.Fatalf("stale version %d after %d", st.Version, initial.Version)
		}
		if st.ChatResponse == "Hi there!" {
			return
		}
	}
}

func TestNodesWithoutBus(t *testing.T) {
	srv := newTestServer(t, stt.NewMockRecognizer())

	var nodes []map[string]any
	getJSON(t, srv, "/v1/nodes", &nodes)
	if nodes == nil || len(nodes) != 0 {
		t.Fatalf("expected an empty node list, got %v", nodes)
	}
}
