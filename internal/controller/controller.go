package controller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/voicetext/internal/bus"
	"github.com/loqalabs/voicetext/internal/chat"
	"github.com/loqalabs/voicetext/internal/eventstore"
	"github.com/loqalabs/voicetext/internal/protocol"
	"github.com/loqalabs/voicetext/internal/session"
)

// State is what the user sees.
type State = protocol.DisplayState

// ErrClosed is returned once the controller has shut down.
var ErrClosed = errors.New("controller closed")

// Recorder is the part of session.Recorder the controller drives.
type Recorder interface {
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) error
}

type Options struct {
	AutoSubmit bool
	// Bus and Store may be nil.
	Bus            *bus.Client
	Store          *eventstore.Store
	EngineName     string
	RecognizerName string
	InboxSize      int
	Logger         *slog.Logger
}

// Controller owns the display state. Every mutation runs on its loop
// goroutine; callers and the recorder only post to the inbox.
type Controller struct {
	recorder Recorder
	chat     chat.Client
	opts     Options
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	done   chan struct{}
	wg     sync.WaitGroup

	// loop-owned
	state    State
	inflight int
	subs     map[int]chan State
	nextSub  int
}

func New(recorder Recorder, client chat.Client, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.InboxSize
	if size <= 0 {
		size = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		recorder: recorder,
		chat:     client,
		opts:     opts,
		logger:   logger.With(slog.String("component", "controller")),
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan func(), size),
		done:     make(chan struct{}),
		subs:     make(map[int]chan State),
	}
	go c.loop()
	return c
}

// SetRecorder binds the recorder after construction, for wiring where the
// recorder needs the controller as its sink. It must be called before any
// recording operation.
func (c *Controller) SetRecorder(recorder Recorder) {
	c.recorder = recorder
}

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			for id, ch := range c.subs {
				close(ch)
				delete(c.subs, id)
			}
			return
		case fn := <-c.inbox:
			fn()
		}
	}
}

// post queues fn for the loop. It reports false once the controller is closed.
func (c *Controller) post(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// call runs fn on the loop and waits for it.
func (c *Controller) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !c.post(func() {
		fn()
		close(finished)
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// changed stamps and fans out the state after a mutation. Loop only.
func (c *Controller) changed() {
	c.state.Version++
	c.state.Timestamp = time.Now().UTC()
	snap := c.state
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			// slow subscriber: replace the stale snapshot it has not read
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	if err := c.opts.Bus.PublishJSON(protocol.SubjectDisplayState, snap); err != nil {
		c.logger.Warn("failed to publish display state", slogError(err))
	}
}

func (c *Controller) State(ctx context.Context) (State, error) {
	var snap State
	err := c.call(ctx, func() { snap = c.state })
	return snap, err
}

// Subscribe returns a channel carrying the current state and every later
// change. A slow reader only misses intermediate states. cancel releases it.
func (c *Controller) Subscribe(ctx context.Context) (<-chan State, func(), error) {
	ch := make(chan State, 1)
	var id int
	err := c.call(ctx, func() {
		id = c.nextSub
		c.nextSub++
		c.subs[id] = ch
		ch <- c.state
	})
	if err != nil {
		return nil, func() {}, err
	}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.post(func() {
				if sub, ok := c.subs[id]; ok {
					close(sub)
					delete(c.subs, id)
				}
			})
		})
	}
	return ch, cancel, nil
}

// ToggleRecording starts a session when none is recording and stops it
// otherwise.
func (c *Controller) ToggleRecording(ctx context.Context) (State, error) {
	current, err := c.State(ctx)
	if err != nil {
		return State{}, err
	}
	if current.Recording {
		return c.StopRecording(ctx)
	}
	return c.StartRecording(ctx)
}

// StartRecording surfaces start failures in LastError and leaves Recording
// untouched. The recording flag itself follows the session sink callbacks,
// which the recorder delivers before Start returns.
func (c *Controller) StartRecording(ctx context.Context) (State, error) {
	_, startErr := c.recorder.Start(ctx)
	return c.settle(ctx, startErr)
}

func (c *Controller) StopRecording(ctx context.Context) (State, error) {
	return c.settle(ctx, c.recorder.Stop(ctx))
}

// settle records opErr, if any, and returns the resulting state.
func (c *Controller) settle(ctx context.Context, opErr error) (State, error) {
	var snap State
	err := c.call(ctx, func() {
		if opErr != nil {
			c.state.LastError = opErr.Error()
			c.changed()
		}
		snap = c.state
	})
	if err != nil {
		return State{}, err
	}
	return snap, opErr
}

// Submit sends prompt, or the current transcript when prompt is empty, to
// the chat client and waits for the exchange. The reply or "Error: ..."
// becomes the displayed chat response.
func (c *Controller) Submit(ctx context.Context, prompt string) (protocol.ChatExchange, error) {
	result := make(chan protocol.ChatExchange, 1)
	if !c.post(func() { c.startExchange(prompt, result) }) {
		return protocol.ChatExchange{}, ErrClosed
	}
	select {
	case ex := <-result:
		return ex, nil
	case <-ctx.Done():
		return protocol.ChatExchange{}, ctx.Err()
	case <-c.done:
		return protocol.ChatExchange{}, ErrClosed
	}
}

// startExchange runs on the loop; the chat call runs on its own goroutine.
func (c *Controller) startExchange(prompt string, result chan<- protocol.ChatExchange) {
	if prompt == "" {
		prompt = c.state.Transcript
	}
	c.inflight++
	c.state.Fetching = true
	c.changed()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		start := time.Now()
		reply, err := c.chat.Send(c.ctx, prompt)
		ex := protocol.ChatExchange{
			Prompt:    prompt,
			Response:  reply,
			LatencyMS: time.Since(start).Milliseconds(),
			Timestamp: time.Now().UTC(),
		}
		if err != nil {
			ex.Response = ""
			ex.Error = err.Error()
		}
		if !c.post(func() { c.finishExchange(ex, result) }) && result != nil {
			result <- ex
		}
	}()
}

func (c *Controller) finishExchange(ex protocol.ChatExchange, result chan<- protocol.ChatExchange) {
	c.inflight--
	c.state.Fetching = c.inflight > 0
	if ex.Error != "" {
		c.state.ChatResponse = "Error: " + ex.Error
	} else {
		c.state.ChatResponse = ex.Response
	}
	c.changed()

	if err := c.opts.Bus.PublishJSON(protocol.SubjectChatExchange, ex); err != nil {
		c.logger.Warn("failed to publish chat exchange", slogError(err))
	}
	if err := c.opts.Store.AppendExchange(c.ctx, eventstore.Exchange{
		Prompt:    ex.Prompt,
		Response:  ex.Response,
		Error:     ex.Error,
		LatencyMS: ex.LatencyMS,
		CreatedAt: ex.Timestamp,
	}); err != nil {
		c.logger.Warn("failed to store chat exchange", slogError(err))
	}
	if result != nil {
		result <- ex
	}
}

// SessionStarted implements session.Sink.
func (c *Controller) SessionStarted(id string) {
	c.post(func() {
		c.state.Recording = true
		c.state.SessionID = id
		c.state.LastError = ""
		c.changed()
		c.publishStatus(protocol.SessionStatus{SessionID: id, Active: true})
		if err := c.opts.Store.AppendSession(c.ctx, id, c.opts.EngineName, c.opts.RecognizerName); err != nil {
			c.logger.Warn("failed to store session", slogError(err))
		}
		c.appendEvent(id, eventstore.EventSessionStarted, nil)
	})
}

// TranscriptChanged implements session.Sink.
func (c *Controller) TranscriptChanged(id, text string, final bool) {
	c.post(func() {
		if c.state.SessionID != id {
			return
		}
		c.state.Transcript = text
		c.changed()

		transcript := protocol.Transcript{SessionID: id, Text: text, Partial: !final, Timestamp: time.Now().UTC()}
		subject := protocol.SubjectTranscriptPartial
		if final {
			subject = protocol.SubjectTranscriptFinal
			c.appendEvent(id, eventstore.EventTranscriptFinal, transcript)
		}
		if err := c.opts.Bus.PublishJSON(subject, transcript); err != nil {
			c.logger.Warn("failed to publish transcript", slogError(err))
		}
	})
}

// SessionEnded implements session.Sink.
func (c *Controller) SessionEnded(id string, reason session.EndReason, err error) {
	c.post(func() {
		if c.state.SessionID == id {
			c.state.Recording = false
			c.state.SessionID = ""
		}
		status := protocol.SessionStatus{SessionID: id, Reason: string(reason)}
		if err != nil {
			c.state.LastError = err.Error()
			status.Error = err.Error()
		}
		c.changed()
		c.publishStatus(status)
		if storeErr := c.opts.Store.EndSession(c.ctx, id, string(reason)); storeErr != nil {
			c.logger.Warn("failed to store session end", slogError(storeErr))
		}
		c.appendEvent(id, eventstore.EventSessionEnded, status)

		if c.opts.AutoSubmit && reason == session.ReasonStopped && c.state.Transcript != "" {
			c.startExchange(c.state.Transcript, nil)
		}
	})
}

func (c *Controller) publishStatus(status protocol.SessionStatus) {
	status.Timestamp = time.Now().UTC()
	if err := c.opts.Bus.PublishJSON(protocol.SubjectSessionStatus, status); err != nil {
		c.logger.Warn("failed to publish session status", slogError(err))
	}
}

func (c *Controller) appendEvent(id, eventType string, payload any) {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			c.logger.Warn("failed to encode event payload", slogError(err))
			return
		}
	}
	if err := c.opts.Store.AppendEvent(c.ctx, eventstore.Event{SessionID: id, Type: eventType, Payload: data}); err != nil {
		c.logger.Warn("failed to store event", slog.String("event_type", eventType), slogError(err))
	}
}

// Healthy reports whether the loop is running.
func (c *Controller) Healthy() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close stops the loop and waits for in-flight chat calls to return.
func (c *Controller) Close() {
	c.cancel()
	<-c.done
	c.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
