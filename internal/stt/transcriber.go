package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/voicetext/internal/audio"
	"github.com/loqalabs/voicetext/internal/config"
	"github.com/mattn/go-shellwords"
)

// TranscriptResult captures batch transcriber output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Transcriber turns a complete PCM snapshot into text. BatchRecognizer adapts
// it into a streaming Recognizer.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, format audio.Format, final bool) (TranscriptResult, error)
}

type execTranscriber struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecTranscriber runs cfg.Command once per snapshot with --audio <wav>
// and reads {"text": ..., "confidence": ...} from stdout.
func NewExecTranscriber(cfg config.STTConfig) (Transcriber, error) {
	args, err := parseCommand(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	return &execTranscriber{cmd: args, cfg: cfg}, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	return args, nil
}

func (r *execTranscriber) Transcribe(ctx context.Context, pcm []byte, format audio.Format, final bool) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "voicetext_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, pcm, format); err != nil {
		return TranscriptResult{}, err
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}
	if !final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}

// commandAvailable reports whether the first word of command resolves on PATH.
func commandAvailable(command string) bool {
	args, err := parseCommand(command)
	if err != nil {
		return false
	}
	_, err = exec.LookPath(args[0])
	return err == nil
}
