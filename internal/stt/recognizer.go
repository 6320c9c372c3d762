package stt

import (
	"context"

	"github.com/loqalabs/voicetext/internal/audio"
)

// Update is delivered by a running recognition task. Text is the recognizer's
// best hypothesis for everything heard so far; Err marks a terminal failure.
type Update struct {
	Text  string
	Final bool
	Err   error
}

// UpdateFunc receives updates in the order the recognizer produces them.
type UpdateFunc func(Update)

// Request accepts streamed audio for one recognition task.
type Request interface {
	Append(chunk audio.Chunk)
	EndAudio()
}

// Task is a running recognition that can be cancelled at any time.
type Task interface {
	Cancel()
}

// Recognizer abstracts streaming STT backends.
type Recognizer interface {
	Name() string
	Available() bool
	NewRequest() Request
	StartTask(ctx context.Context, req Request, fn UpdateFunc) (Task, error)
}
