package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/voicetext/internal/bus"
	"github.com/loqalabs/voicetext/internal/config"
	"github.com/loqalabs/voicetext/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) config.BusConfig {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	ns, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	cfg.Servers = []string{ns.ClientURL()}
	return cfg
}

func connect(t *testing.T, cfg config.BusConfig, name string) *bus.Client {
	t.Helper()
	client, err := bus.Connect(context.Background(), name, cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func newRegistry(t *testing.T, client *bus.Client, id string, caps []Capability) *Registry {
	t.Helper()
	cfg := config.NodeConfig{ID: id, HeartbeatInterval: 50, HeartbeatTimeout: 500}
	r, err := NewRegistry(context.Background(), cfg, caps, client, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func waitForNodes(t *testing.T, r *Registry, want int) []NodeInfo {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if nodes := r.Nodes(); len(nodes) >= want {
			return nodes
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d nodes, have %v", want, r.Nodes())
	return nil
}

func TestRegistriesDiscoverEachOther(t *testing.T) {
	busCfg := startBus(t)
	first := newRegistry(t, connect(t, busCfg, "first"), "desk-a", []Capability{
		{Name: "stt", Backend: "deepgram", Available: true},
	})
	second := newRegistry(t, connect(t, busCfg, "second"), "desk-b", []Capability{
		{Name: "stt", Backend: "mock", Available: false},
		{Name: "chat", Backend: "ollama", Available: true},
	})

	nodes := waitForNodes(t, first, 2)
	if nodes[0].ID != "desk-a" || nodes[1].ID != "desk-b" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
	if len(nodes[1].Capabilities) != 2 || nodes[1].Capabilities[1].Backend != "ollama" {
		t.Fatalf("peer capabilities not learned: %+v", nodes[1])
	}

	// desk-b started later, so it only learns about desk-a from the reply announce.
	peers := waitForNodes(t, second, 2)
	if len(peers[0].Capabilities) != 1 || !peers[0].Capabilities[0].Available {
		t.Fatalf("expected desk-a capabilities on desk-b, got %+v", peers[0])
	}
	if !first.Healthy() || !second.Healthy() {
		t.Fatalf("registries should be healthy")
	}
}

func TestEvaluateHealthMarksStaleNodes(t *testing.T) {
	r := &Registry{
		cfg:   config.NodeConfig{ID: "self", HeartbeatTimeout: 1000},
		nodes: make(map[string]*NodeInfo),
	}
	now := time.Now()
	r.updateNode("self", nil, now)
	r.updateNode("peer", nil, now.Add(-5*time.Second))

	r.evaluateHealth(now)

	nodes := r.Nodes()
	if nodes[0].ID != "peer" || nodes[0].Healthy {
		t.Fatalf("stale peer should be unhealthy: %+v", nodes[0])
	}
	if !r.Healthy() {
		t.Fatalf("self should remain healthy")
	}
	if known, live := r.counts(); known != 2 || live != 1 {
		t.Fatalf("unexpected counts %d/%d", known, live)
	}
}
