package stt

import (
	"context"
	"strings"
)

var defaultMockScript = []string{"hello", "world", "this", "is", "a", "test"}

// MockRecognizer reveals one scripted word for every ChunksPerWord chunks it
// receives and finalises the hypothesis when audio ends.
type MockRecognizer struct {
	Script        []string
	ChunksPerWord int
	Unavailable   bool
}

func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{Script: defaultMockScript, ChunksPerWord: 4}
}

func (m *MockRecognizer) Name() string { return "mock" }

func (m *MockRecognizer) Available() bool { return !m.Unavailable }

func (m *MockRecognizer) NewRequest() Request { return newBufferRequest() }

func (m *MockRecognizer) StartTask(ctx context.Context, req Request, fn UpdateFunc) (Task, error) {
	br, err := asBufferRequest(req)
	if err != nil {
		return nil, err
	}
	perWord := m.ChunksPerWord
	if perWord <= 0 {
		perWord = 1
	}
	script := m.Script
	if len(script) == 0 {
		script = defaultMockScript
	}
	return startTask(ctx, func(ctx context.Context) {
		emit := emitter(ctx, fn)
		var chunks, words int
		for {
			batch, ended, err := br.next(ctx)
			if err != nil {
				return
			}
			chunks += len(batch)
			if n := min(chunks/perWord, len(script)); n > words {
				words = n
				emit(Update{Text: strings.Join(script[:words], " ")})
			}
			if ended {
				emit(Update{Text: strings.Join(script[:words], " "), Final: true})
				return
			}
		}
	}), nil
}
