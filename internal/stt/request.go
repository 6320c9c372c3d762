package stt

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/voicetext/internal/audio"
)

// bufferRequest queues appended audio for a task goroutine. Append never
// blocks the capture side.
type bufferRequest struct {
	mu      sync.Mutex
	format  audio.Format
	pending [][]byte
	ended   bool
	notify  chan struct{}
}

func newBufferRequest() *bufferRequest {
	return &bufferRequest{notify: make(chan struct{}, 1)}
}

func (r *bufferRequest) Append(chunk audio.Chunk) {
	r.mu.Lock()
	if r.ended || len(chunk.PCM) == 0 {
		r.mu.Unlock()
		return
	}
	if r.format == (audio.Format{}) {
		r.format = chunk.Format
	}
	r.pending = append(r.pending, chunk.PCM)
	r.mu.Unlock()
	r.signal()
}

func (r *bufferRequest) EndAudio() {
	r.mu.Lock()
	r.ended = true
	r.mu.Unlock()
	r.signal()
}

func (r *bufferRequest) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// next blocks until audio is queued or the request has ended. It returns the
// queued chunks and whether EndAudio has been called.
func (r *bufferRequest) next(ctx context.Context) ([][]byte, bool, error) {
	for {
		r.mu.Lock()
		chunks := r.pending
		r.pending = nil
		ended := r.ended
		r.mu.Unlock()
		if len(chunks) > 0 || ended {
			return chunks, ended, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-r.notify:
		}
	}
}

func (r *bufferRequest) audioFormat() audio.Format {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.format
}

func asBufferRequest(req Request) (*bufferRequest, error) {
	br, ok := req.(*bufferRequest)
	if !ok {
		return nil, fmt.Errorf("request %T was not created by this recognizer", req)
	}
	return br, nil
}

// task is the common cancellable handle. Cancel does not wait for the worker:
// the worker may be blocked handing an update to the caller that is cancelling.
type task struct {
	cancel context.CancelFunc
	done   chan struct{} // closed once the worker has exited
}

func startTask(parent context.Context, run func(ctx context.Context)) *task {
	ctx, cancel := context.WithCancel(parent)
	t := &task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		run(ctx)
	}()
	return t
}

func (t *task) Cancel() {
	t.cancel()
}

// emitter drops updates once the task context is cancelled.
func emitter(ctx context.Context, fn UpdateFunc) UpdateFunc {
	return func(u Update) {
		if ctx.Err() != nil {
			return
		}
		fn(u)
	}
}
