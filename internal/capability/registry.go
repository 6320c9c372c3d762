package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/voicetext/internal/bus"
	"github.com/loqalabs/voicetext/internal/config"
	"github.com/loqalabs/voicetext/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Capability is one component a runtime offers, such as its recognizer.
type Capability struct {
	Name       string            `json:"name"`
	Backend    string            `json:"backend"`
	Available  bool              `json:"available"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeInfo is the registry's view of one runtime on the bus.
type NodeInfo struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry announces the local runtime and tracks peers that share the bus.
type Registry struct {
	cfg    config.NodeConfig
	local  []Capability
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		cancel: cancel,
		nodes:  make(map[string]*NodeInfo),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	return r, nil
}

func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.NodeHeartbeatSubject("*"), r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.bus.PublishJSON(protocol.NodeHeartbeatSubject(r.cfg.ID), heartbeatMessage{
				NodeID:    r.cfg.ID,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Capabilities: r.local,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message")
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.mu.RLock()
	_, known := r.nodes[announcement.NodeID]
	r.mu.RUnlock()
	r.updateNode(announcement.NodeID, announcement.Capabilities, announcement.Timestamp)

	// Answer a newcomer once so it learns about us without waiting.
	if !known && announcement.NodeID != r.cfg.ID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to announce node", slogError(err))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message")
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, nil, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID string, capabilities []Capability, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether our own announcements are reaching the bus.
func (r *Registry) Healthy() bool {
	if r == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns every known runtime sorted by id.
func (r *Registry) Nodes() []NodeInfo {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		results = append(results, *node)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("voicetext/capability")
	nodes, err := meter.Int64ObservableGauge("voicetext.nodes.known", metric.WithDescription("Runtimes seen on the bus"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("voicetext.nodes.healthy", metric.WithDescription("Runtimes with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		known, live := r.counts()
		obs.ObserveInt64(nodes, known)
		obs.ObserveInt64(healthy, live)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var known, live int64
	for _, node := range r.nodes {
		known++
		if node.Healthy {
			live++
		}
	}
	return known, live
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
