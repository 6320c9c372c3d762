package session

import (
	"errors"

	"github.com/loqalabs/voicetext/internal/audio"
	"github.com/loqalabs/voicetext/internal/stt"
)

// State is the lifecycle position of the recorder.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
)

// EndReason says why a session ended.
type EndReason string

const (
	ReasonStopped          EndReason = "stopped"
	ReasonRecognitionError EndReason = "recognition_error"
	ReasonShutdown         EndReason = "shutdown"
)

var (
	ErrRecognizerUnavailable = errors.New("speech recognizer unavailable")
	ErrAudioEngineStart      = errors.New("audio engine failed to start")
	ErrSessionActive         = errors.New("recording session already in progress")
	ErrRecognitionTerminal   = errors.New("recognition terminated")
	ErrClosed                = errors.New("recorder closed")
)

// Sink observes session lifecycle. Calls are made from the recorder loop and
// must not block on the recorder.
type Sink interface {
	SessionStarted(id string)
	TranscriptChanged(id, text string, final bool)
	SessionEnded(id string, reason EndReason, err error)
}

// Snapshot is a point-in-time view of the recorder.
type Snapshot struct {
	State      State
	SessionID  string
	Transcript string
	HasHandles bool
}

// handle is either inactiveHandle or *activeHandle. The recorder holds an
// active handle only while a session owns engine and recognition resources.
type handle interface {
	active() (*activeHandle, bool)
}

type inactiveHandle struct{}

func (inactiveHandle) active() (*activeHandle, bool) { return nil, false }

type activeHandle struct {
	id      string
	input   audio.InputNode
	request stt.Request
	task    stt.Task
}

func (h *activeHandle) active() (*activeHandle, bool) { return h, true }

type noopSink struct{}

func (noopSink) SessionStarted(string)                  {}
func (noopSink) TranscriptChanged(string, string, bool) {}
func (noopSink) SessionEnded(string, EndReason, error)  {}
