package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/voicetext/internal/bus"
	"github.com/loqalabs/voicetext/internal/config"
	"github.com/loqalabs/voicetext/internal/natsserver"
	"github.com/loqalabs/voicetext/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeController struct {
	mu        sync.Mutex
	recording bool
	calls     []string
	chatErr   error
}

func (f *fakeController) record(name string, on bool) (protocol.DisplayState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if on && f.recording {
		return protocol.DisplayState{Recording: true}, errors.New("recording session already in progress")
	}
	f.recording = on
	return protocol.DisplayState{Recording: on}, nil
}

func (f *fakeController) ToggleRecording(context.Context) (protocol.DisplayState, error) {
	f.mu.Lock()
	on := !f.recording
	f.mu.Unlock()
	return f.record("toggle", on)
}

func (f *fakeController) StartRecording(context.Context) (protocol.DisplayState, error) {
	return f.record("start", true)
}

func (f *fakeController) StopRecording(context.Context) (protocol.DisplayState, error) {
	return f.record("stop", false)
}

func (f *fakeController) Submit(_ context.Context, prompt string) (protocol.ChatExchange, error) {
	if f.chatErr != nil {
		return protocol.ChatExchange{Prompt: prompt, Error: f.chatErr.Error()}, nil
	}
	return protocol.ChatExchange{Prompt: prompt, Response: "Hi there!"}, nil
}

func newService(t *testing.T, ctrl Controller) (*Service, *bus.Client) {
	t.Helper()
	busCfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	ns, err := natsserver.Start(busCfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	busCfg.Servers = []string{ns.ClientURL()}

	client, err := bus.Connect(context.Background(), "router-test", busCfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	svc := NewService(context.Background(), config.RouterConfig{Enabled: true, Prefix: "voicetext.cmd"}, client, ctrl, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, client
}

func request(t *testing.T, client *bus.Client, subject string, payload any, out any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := client.Conn().Request(subject, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
}

func TestRecordCommands(t *testing.T) {
	ctrl := &fakeController{}
	svc, client := newService(t, ctrl)

	var reply protocol.CommandReply
	request(t, client, svc.RecordSubject(), protocol.RecordCommand{Action: protocol.RecordStart}, &reply)
	if !reply.State.Recording || reply.Error != "" {
		t.Fatalf("unexpected start reply %+v", reply)
	}

	reply = protocol.CommandReply{}
	request(t, client, svc.RecordSubject(), protocol.RecordCommand{Action: protocol.RecordStart}, &reply)
	if reply.Error == "" {
		t.Fatalf("second start should report an error")
	}

	reply = protocol.CommandReply{}
	request(t, client, svc.RecordSubject(), protocol.RecordCommand{}, &reply)
	if reply.State.Recording {
		t.Fatalf("empty action should toggle off, got %+v", reply)
	}

	reply = protocol.CommandReply{}
	request(t, client, svc.RecordSubject(), protocol.RecordCommand{Action: "rewind"}, &reply)
	if reply.Error == "" {
		t.Fatalf("unknown action should be rejected")
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.calls) != 3 || ctrl.calls[2] != "toggle" {
		t.Fatalf("unexpected controller calls %v", ctrl.calls)
	}
}

func TestChatCommand(t *testing.T) {
	svc, client := newService(t, &fakeController{})

	var reply protocol.ChatReply
	request(t, client, svc.ChatSubject(), protocol.ChatCommand{Prompt: "hello world"}, &reply)
	if reply.Display != "Hi there!" || reply.Exchange.Prompt != "hello world" {
		t.Fatalf("unexpected chat reply %+v", reply)
	}
}

func TestChatCommandBackendError(t *testing.T) {
	svc, client := newService(t, &fakeController{chatErr: errors.New("timeout")})

	var reply protocol.ChatReply
	request(t, client, svc.ChatSubject(), protocol.ChatCommand{Prompt: "hello"}, &reply)
	if reply.Display != "Error: timeout" {
		t.Fatalf("expected error display, got %+v", reply)
	}
}

func TestDisabledRouterIsHealthy(t *testing.T) {
	svc := NewService(context.Background(), config.RouterConfig{}, nil, &fakeController{}, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatalf("disabled router should report healthy")
	}
	svc.Close()
}
