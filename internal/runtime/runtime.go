package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/voicetext/internal/audio"
	"github.com/loqalabs/voicetext/internal/bus"
	"github.com/loqalabs/voicetext/internal/capability"
	"github.com/loqalabs/voicetext/internal/chat"
	"github.com/loqalabs/voicetext/internal/config"
	"github.com/loqalabs/voicetext/internal/controller"
	"github.com/loqalabs/voicetext/internal/eventstore"
	"github.com/loqalabs/voicetext/internal/natsserver"
	"github.com/loqalabs/voicetext/internal/router"
	"github.com/loqalabs/voicetext/internal/session"
	"github.com/loqalabs/voicetext/internal/stt"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	engine     audio.Engine
	recognizer stt.Recognizer
	recorder   *session.Recorder
	controller *controller.Controller
	router     *router.Service
	registry   *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds every component, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.build(ctx); err != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return errors.Join(err, r.shutdown(shutdownCtx))
	}

	api := &api{
		controller: r.controller,
		store:      r.store,
		registry:   r.registry,
		metrics:    r.metrics,
		ready:      r.Ready,
		logger:     r.logger.With(slog.String("component", "http")),
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           api.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("audio", r.engine.Name()),
		slog.String("stt", r.recognizer.Name()),
		slog.String("chat", r.cfg.Chat.Mode),
	)

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.shutdown(shutdownCtx); err != nil {
		r.logger.Error("shutdown incomplete", slogError(err))
	}
	return nil
}

func (r *Runtime) build(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Enabled {
		ns, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
		if err != nil {
			return err
		}
		r.nats = ns
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	if err := store.Ensure(); err != nil {
		return err
	}

	engine, err := audio.New(r.cfg.Audio, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("create audio engine: %w", err)
	}
	r.engine = engine

	recognizer, err := stt.New(ctx, r.cfg.STT, engine.InputNode().OutputFormat(), r.logger)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}
	r.recognizer = recognizer
	if !recognizer.Available() {
		r.logger.Warn("speech recognizer is not available; recording will be refused", slog.String("stt", recognizer.Name()))
	}

	chatClient, err := chat.New(ctx, r.cfg.Chat, r.logger)
	if err != nil {
		return fmt.Errorf("create chat client: %w", err)
	}

	r.controller = controller.New(nil, chatClient, controller.Options{
		AutoSubmit:     r.cfg.Chat.AutoSubmit,
		Bus:            r.bus,
		Store:          r.store,
		EngineName:     engine.Name(),
		RecognizerName: recognizer.Name(),
		InboxSize:      r.cfg.Session.EventBuffer,
		Logger:         r.logger,
	})
	r.recorder = session.New(engine, recognizer, r.controller, session.Options{
		EventBuffer:   r.cfg.Session.EventBuffer,
		TapBufferSize: r.cfg.Audio.BufferSize,
		Logger:        r.logger,
	})
	r.controller.SetRecorder(r.recorder)

	if r.bus == nil {
		return nil
	}
	r.router = router.NewService(ctx, r.cfg.Router, r.bus, r.controller, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start command router: %w", err)
	}
	registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.localCapabilities(), r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

func (r *Runtime) localCapabilities() []capability.Capability {
	return []capability.Capability{
		{
			Name:      "audio",
			Backend:   r.engine.Name(),
			Available: true,
			Attributes: map[string]string{
				"sample_rate": fmt.Sprint(r.cfg.Audio.SampleRate),
				"channels":    fmt.Sprint(r.cfg.Audio.Channels),
			},
		},
		{
			Name:       "stt",
			Backend:    r.recognizer.Name(),
			Available:  r.recognizer.Available(),
			Attributes: map[string]string{"language": r.cfg.STT.Language},
		},
		{
			Name:       "chat",
			Backend:    r.cfg.Chat.Mode,
			Available:  true,
			Attributes: map[string]string{"model": r.cfg.Chat.Model},
		},
	}
}

// shutdown releases components in reverse dependency order. Components that
// were never built are skipped.
func (r *Runtime) shutdown(ctx context.Context) error {
	var errs []error
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		r.wg.Wait()
	}
	r.router.Close()
	if r.recorder != nil {
		if err := r.recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("recorder close: %w", err))
		}
	}
	if r.controller != nil {
		r.controller.Close()
	}
	if closer, ok := r.recognizer.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("recognizer close: %w", err))
		}
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("event store close: %w", err))
	}
	r.registry.Close()
	r.bus.Close()
	r.nats.Shutdown()
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Ready reports whether the runtime is serving and its components are up.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !(r.bus.Healthy() && r.router.Healthy() && r.registry.Healthy()) {
		return false
	}
	return r.recorder.Healthy() && r.controller.Healthy()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
