package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/voicetext/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Client sends one prompt to a chat-completion backend and returns the reply.
// Calls are independent; nothing is retried.
type Client interface {
	Send(ctx context.Context, prompt string) (string, error)
}

// New builds the backend named by cfg.Mode, bounded by cfg.TimeoutMS and
// instrumented with the global otel providers.
func New(ctx context.Context, cfg config.ChatConfig, logger *slog.Logger) (Client, error) {
	mode := strings.ToLower(cfg.Mode)
	var (
		backend Client
		err     error
	)
	switch mode {
	case "", "mock":
		mode = "mock"
		backend = NewMockClient()
	case "ollama":
		backend = NewOllamaClient(cfg)
	case "exec":
		backend, err = NewExecClient(cfg)
	case "openai":
		backend = NewOpenAIClient(cfg)
	case "gemini":
		backend, err = NewGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported chat mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(mode, backend, time.Duration(cfg.TimeoutMS)*time.Millisecond, logger), nil
}

type instrumented struct {
	backend  string
	next     Client
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// Instrument wraps next with a per-call timeout, a span and request metrics.
// A zero timeout leaves the caller's deadline in charge.
func Instrument(backend string, next Client, timeout time.Duration, logger *slog.Logger) Client {
	meter := otel.Meter("voicetext/chat")
	requests, _ := meter.Int64Counter("voicetext.chat.requests",
		metric.WithDescription("Chat completion requests sent"))
	failures, _ := meter.Int64Counter("voicetext.chat.failures",
		metric.WithDescription("Chat completion requests that returned an error"))
	latency, _ := meter.Float64Histogram("voicetext.chat.latency",
		metric.WithDescription("Chat completion latency"),
		metric.WithUnit("ms"))
	return &instrumented{
		backend:  backend,
		next:     next,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "chat"), slog.String("backend", backend)),
		tracer:   otel.Tracer("voicetext/chat"),
		requests: requests,
		failures: failures,
		latency:  latency,
	}
}

func (c *instrumented) Send(ctx context.Context, prompt string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	attrs := metric.WithAttributes(attribute.String("backend", c.backend))
	ctx, span := c.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("backend", c.backend),
		attribute.Int("prompt.length", len(prompt)),
	))
	defer span.End()

	start := time.Now()
	c.requests.Add(ctx, 1, attrs)
	reply, err := c.next.Send(ctx, prompt)
	elapsed := time.Since(start)
	c.latency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	if err != nil {
		c.failures.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("chat request failed", slogError(err), slog.Duration("latency", elapsed))
		return "", err
	}
	c.logger.Debug("chat reply received", slog.Duration("latency", elapsed), slog.Int("reply_length", len(reply)))
	return reply, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
