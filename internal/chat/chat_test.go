package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/voicetext/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMockClientReplies(t *testing.T) {
	client := &MockClient{Reply: "Hi there!"}
	reply, err := client.Send(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != "Hi there!" {
		t.Fatalf("unexpected reply %q", reply)
	}

	echo := NewMockClient()
	reply, err = echo.Send(context.Background(), " hello world ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != "[mock reply to hello world]" {
		t.Fatalf("unexpected echo reply %q", reply)
	}
}

func TestInstrumentAppliesTimeout(t *testing.T) {
	slow := &MockClient{Delay: time.Second}
	client := Instrument("mock", slow, 10*time.Millisecond, newLogger())
	_, err := client.Send(context.Background(), "hello")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestInstrumentPassesErrorsThrough(t *testing.T) {
	client := Instrument("mock", &MockClient{Err: errors.New("timeout")}, 0, newLogger())
	_, err := client.Send(context.Background(), "hello")
	if err == nil || err.Error() != "timeout" {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestOllamaClientAccumulatesStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Prompt != "hello world" || !req.Stream || req.Model != "tiny" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"response":"Hi","done":false}`+"\n")
		io.WriteString(w, `{"response":" there!","done":false}`+"\n\n")
		io.WriteString(w, `{"response":"","done":true}`+"\n")
	}))
	defer server.Close()

	client := NewOllamaClient(config.ChatConfig{Endpoint: server.URL + "/", Model: "tiny"})
	reply, err := client.Send(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != "Hi there!" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestOllamaClientStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewOllamaClient(config.ChatConfig{Endpoint: server.URL})
	if _, err := client.Send(context.Background(), "hello"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestOpenAIClientSendsChatCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		last := req.Messages[len(req.Messages)-1]
		if req.Model != "gpt-test" || last.Role != "user" || last.Content != "hello world" || req.Messages[0].Role != "system" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-test","choices":[{"index":0,"message":{"role":"assistant","content":"Hi there!"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(config.ChatConfig{
		Endpoint:     server.URL + "/v1",
		APIKey:       "test-key",
		Model:        "gpt-test",
		SystemPrompt: "be brief",
	})
	reply, err := client.Send(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != "Hi there!" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestOpenAIClientSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGatewayTimeout)
		io.WriteString(w, `{"error":{"message":"timeout","type":"server_error"}}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(config.ChatConfig{Endpoint: server.URL + "/v1", APIKey: "test-key"})
	if _, err := client.Send(context.Background(), "hello"); err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestExecClientReadsContent(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "reply.sh")
	body := "#!/bin/sh\ncat > /dev/null\necho '{\"content\":\"Hi there!\"}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	client, err := NewExecClient(config.ChatConfig{Command: script})
	if err != nil {
		t.Fatalf("new exec client: %v", err)
	}
	reply, err := client.Send(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != "Hi there!" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(context.Background(), config.ChatConfig{Mode: "telepathy"}, newLogger()); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
	if _, err := New(context.Background(), config.ChatConfig{Mode: "exec"}, newLogger()); err == nil {
		t.Fatalf("expected empty exec command error")
	}
	client, err := New(context.Background(), config.ChatConfig{Mode: "mock", TimeoutMS: 1000}, newLogger())
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("mock send: %v", err)
	}
}
