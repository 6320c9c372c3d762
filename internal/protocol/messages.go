package protocol

import "time"

// AudioFrame carries little-endian 16-bit PCM published by a capture source.
type AudioFrame struct {
	Source     string `json:"source"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// Transcript is the best current hypothesis for a recording session.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatExchange records one prompt/response round trip.
type ChatExchange struct {
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// DisplayState mirrors what the user sees.
type DisplayState struct {
	Transcript   string    `json:"transcript"`
	ChatResponse string    `json:"chat_response"`
	Recording    bool      `json:"recording"`
	Fetching     bool      `json:"fetching"`
	SessionID    string    `json:"session_id,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Version      uint64    `json:"version"`
	Timestamp    time.Time `json:"timestamp"`
}

// SessionStatus is published when a recording session starts or ends.
type SessionStatus struct {
	SessionID string    `json:"session_id"`
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionStatus     = "session.status"
	SubjectChatExchange      = "chat.exchange"
	SubjectDisplayState      = "display.state"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)

// Command actions accepted on the record subject.
const (
	RecordToggle = "toggle"
	RecordStart  = "start"
	RecordStop   = "stop"
)

// RecordCommand asks a runtime to change its recording state.
type RecordCommand struct {
	Action string `json:"action"`
}

// ChatCommand submits a prompt; an empty prompt sends the current transcript.
type ChatCommand struct {
	Prompt string `json:"prompt"`
}

// CommandReply answers a RecordCommand.
type CommandReply struct {
	State DisplayState `json:"state"`
	Error string       `json:"error,omitempty"`
}

// ChatReply answers a ChatCommand.
type ChatReply struct {
	Exchange ChatExchange `json:"exchange"`
	Display  string       `json:"display"`
	Error    string       `json:"error,omitempty"`
}

// AudioFrameSubject returns the subject a named capture source publishes on.
func AudioFrameSubject(source string) string {
	return SubjectAudioFramePrefix + "." + source
}

// NodeHeartbeatSubject returns the heartbeat subject for a node id.
func NodeHeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeatPrefix + "." + nodeID
}
