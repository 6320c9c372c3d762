package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/voicetext/internal/audio"
	"github.com/loqalabs/voicetext/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const defaultTapBufferSize = 1024

type Options struct {
	// EventBuffer sizes the recorder inbox.
	EventBuffer int
	// TapBufferSize is the engine tap size in frames.
	TapBufferSize int
	Logger        *slog.Logger
}

// Recorder runs at most one capture and transcription session at a time. A
// single goroutine owns the session state; Start, Stop and recognizer
// callbacks are all messages to it.
type Recorder struct {
	engine     audio.Engine
	recognizer stt.Recognizer
	sink       Sink
	tapSize    int
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    recorderMetrics

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan message
	done   chan struct{}

	// loop-owned
	state      State
	handle     handle
	transcript string

	snapMu sync.RWMutex
	snap   Snapshot
}

type message interface{}

type startCmd struct {
	reply chan startResult
}

type startResult struct {
	id  string
	err error
}

type stopCmd struct {
	reply chan error
}

type updateMsg struct {
	id     string
	update stt.Update
}

type recorderMetrics struct {
	started  metric.Int64Counter
	ended    metric.Int64Counter
	failures metric.Int64Counter
	updates  metric.Int64Counter
}

func New(engine audio.Engine, recognizer stt.Recognizer, sink Sink, opts Options) *Recorder {
	if sink == nil {
		sink = noopSink{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	tapSize := opts.TapBufferSize
	if tapSize <= 0 {
		tapSize = defaultTapBufferSize
	}

	meter := otel.Meter("voicetext/session")
	var m recorderMetrics
	m.started, _ = meter.Int64Counter("voicetext.session.started",
		metric.WithDescription("Recording sessions started"))
	m.ended, _ = meter.Int64Counter("voicetext.session.ended",
		metric.WithDescription("Recording sessions ended, by reason"))
	m.failures, _ = meter.Int64Counter("voicetext.session.teardown_failures",
		metric.WithDescription("Teardown steps that returned an error or panicked"))
	m.updates, _ = meter.Int64Counter("voicetext.session.updates",
		metric.WithDescription("Transcript updates received, by outcome"))

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		engine:     engine,
		recognizer: recognizer,
		sink:       sink,
		tapSize:    tapSize,
		logger:     logger.With(slog.String("component", "recorder")),
		tracer:     otel.Tracer("voicetext/session"),
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan message, buffer),
		done:       make(chan struct{}),
		state:      StateIdle,
		handle:     inactiveHandle{},
		snap:       Snapshot{State: StateIdle},
	}
	go r.loop()
	return r
}

// Start begins a session and returns its id once the engine is running.
func (r *Recorder) Start(ctx context.Context) (string, error) {
	reply := make(chan startResult, 1)
	if err := r.send(ctx, startCmd{reply: reply}); err != nil {
		return "", err
	}
	select {
	case res := <-reply:
		return res.id, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.done:
		return "", ErrClosed
	}
}

// Stop ends the current session. It is a no-op when idle. Teardown step
// failures are returned but the recorder is always idle afterwards.
func (r *Recorder) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, stopCmd{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// Close tears down any active session and stops the loop.
func (r *Recorder) Close(ctx context.Context) error {
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) Snapshot() Snapshot {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	return r.snap
}

// Healthy reports whether the loop is running.
func (r *Recorder) Healthy() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *Recorder) send(ctx context.Context, msg message) error {
	select {
	case r.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	case <-r.ctx.Done():
		return ErrClosed
	}
}

// post delivers recognizer callbacks. It gives up once the recorder is closed.
func (r *Recorder) post(msg message) {
	select {
	case r.inbox <- msg:
	case <-r.ctx.Done():
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			if h, ok := r.handle.active(); ok {
				err := r.endSession(h, ReasonShutdown, nil)
				if err != nil {
					r.logger.Warn("shutdown teardown incomplete", slogError(err))
				}
			}
			return
		case msg := <-r.inbox:
			switch m := msg.(type) {
			case startCmd:
				id, err := r.handleStart()
				m.reply <- startResult{id: id, err: err}
			case stopCmd:
				m.reply <- r.handleStop()
			case updateMsg:
				r.handleUpdate(m)
			}
		}
	}
}

func (r *Recorder) handleStart() (string, error) {
	if r.state != StateIdle {
		return "", ErrSessionActive
	}
	if !r.recognizer.Available() {
		r.logger.Warn("speech recognition is not available", slog.String("recognizer", r.recognizer.Name()))
		return "", ErrRecognizerUnavailable
	}

	id := uuid.NewString()
	_, span := r.tracer.Start(r.ctx, "session.start", trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.String("engine", r.engine.Name()),
		attribute.String("recognizer", r.recognizer.Name()),
	))
	defer span.End()

	r.setState(StateStarting)
	h := &activeHandle{id: id}
	h.input = r.engine.InputNode()
	h.request = r.recognizer.NewRequest()

	fail := func(err error) (string, error) {
		if teardownErr := r.teardown(h); teardownErr != nil {
			r.logger.Warn("teardown after failed start incomplete", slogError(teardownErr))
		}
		r.handle = inactiveHandle{}
		r.setState(StateIdle)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("failed to start recording session", slog.String("session_id", id), slogError(err))
		return "", err
	}

	task, err := r.recognizer.StartTask(r.ctx, h.request, func(u stt.Update) {
		r.post(updateMsg{id: id, update: u})
	})
	if err != nil {
		return fail(fmt.Errorf("start recognition task: %w", err))
	}
	h.task = task

	request := h.request
	format := h.input.OutputFormat()
	if err := h.input.InstallTap(r.tapSize, format, func(chunk audio.Chunk) {
		request.Append(chunk)
	}); err != nil {
		return fail(fmt.Errorf("install audio tap: %w", err))
	}

	r.engine.Prepare()
	if err := r.engine.Start(); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrAudioEngineStart, err))
	}

	r.handle = h
	r.transcript = ""
	r.setState(StateActive)
	r.metrics.started.Add(r.ctx, 1)
	r.logger.Info("recording session started",
		slog.String("session_id", id),
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.Channels),
	)
	r.sink.SessionStarted(id)
	return id, nil
}

func (r *Recorder) handleStop() error {
	h, ok := r.handle.active()
	if !ok {
		return nil
	}
	return r.endSession(h, ReasonStopped, nil)
}

func (r *Recorder) handleUpdate(m updateMsg) {
	h, ok := r.handle.active()
	if !ok || r.state != StateActive || h.id != m.id {
		r.metrics.updates.Add(r.ctx, 1, metric.WithAttributes(attribute.String("outcome", "ignored")))
		r.logger.Debug("ignoring stale transcript update", slog.String("session_id", m.id))
		return
	}

	if m.update.Err != nil {
		r.metrics.updates.Add(r.ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		r.logger.Warn("recognition failed, tearing down session", slog.String("session_id", h.id), slogError(m.update.Err))
		cause := fmt.Errorf("%w: %w", ErrRecognitionTerminal, m.update.Err)
		_ = r.endSession(h, ReasonRecognitionError, cause)
		return
	}

	r.metrics.updates.Add(r.ctx, 1, metric.WithAttributes(attribute.String("outcome", "applied")))
	r.transcript = m.update.Text
	r.publish()
	r.sink.TranscriptChanged(h.id, m.update.Text, m.update.Final)
}

// endSession performs the full teardown and always leaves the recorder idle.
// cause is the error that forced the session to end, if any.
func (r *Recorder) endSession(h *activeHandle, reason EndReason, cause error) error {
	r.setState(StateStopping)
	err := r.teardown(h)
	r.handle = inactiveHandle{}
	r.setState(StateIdle)

	r.metrics.ended.Add(r.ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	attrs := []any{slog.String("session_id", h.id), slog.String("reason", string(reason))}
	if err != nil {
		attrs = append(attrs, slogError(err))
		r.logger.Warn("recording session ended with teardown errors", attrs...)
	} else {
		r.logger.Info("recording session ended", attrs...)
	}
	r.sink.SessionEnded(h.id, reason, errors.Join(cause, err))
	return err
}

// teardown runs every step in order regardless of earlier failures:
// engine stop, end of audio, tap removal, task cancellation.
func (r *Recorder) teardown(h *activeHandle) error {
	ctx, span := r.tracer.Start(context.Background(), "session.teardown",
		trace.WithAttributes(attribute.String("session.id", h.id)))
	defer span.End()

	errs := []error{
		r.step(ctx, "engine stop", func() error { return r.engine.Stop() }),
	}
	if h.request != nil {
		errs = append(errs, r.step(ctx, "end audio", func() error {
			h.request.EndAudio()
			return nil
		}))
	}
	if h.input != nil {
		errs = append(errs, r.step(ctx, "remove tap", h.input.RemoveTap))
	}
	if h.task != nil {
		errs = append(errs, r.step(ctx, "cancel task", func() error {
			h.task.Cancel()
			return nil
		}))
	}
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Recorder) step(ctx context.Context, name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: panic: %v", name, p)
		}
		if err != nil {
			r.metrics.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", name)))
		}
	}()
	if stepErr := fn(); stepErr != nil {
		return fmt.Errorf("%s: %w", name, stepErr)
	}
	return nil
}

func (r *Recorder) setState(state State) {
	r.state = state
	r.publish()
}

func (r *Recorder) publish() {
	snap := Snapshot{State: r.state, Transcript: r.transcript}
	if h, ok := r.handle.active(); ok {
		snap.SessionID = h.id
		snap.HasHandles = true
	}
	r.snapMu.Lock()
	r.snap = snap
	r.snapMu.Unlock()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
