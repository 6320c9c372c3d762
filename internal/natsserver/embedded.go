package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/voicetext/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer wraps an in-process NATS server so the daemon runs without
// external infrastructure.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start creates and starts an embedded NATS server. It returns nil when the bus
// is disabled or configured to use external servers.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Enabled || !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	log.Info("embedded NATS server started", slog.Int("port", cfg.Port))

	return &EmbeddedServer{
		ns:  ns,
		log: log,
	}, nil
}

// ClientURL returns the URL local clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
