package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/voicetext/internal/bus"
	"github.com/loqalabs/voicetext/internal/config"
	"github.com/loqalabs/voicetext/internal/protocol"
	"github.com/nats-io/nats.go"
)

const commandTimeout = 30 * time.Second

// Controller is the part of controller.Controller the router drives.
type Controller interface {
	ToggleRecording(ctx context.Context) (protocol.DisplayState, error)
	StartRecording(ctx context.Context) (protocol.DisplayState, error)
	StopRecording(ctx context.Context) (protocol.DisplayState, error)
	Submit(ctx context.Context, prompt string) (protocol.ChatExchange, error)
}

// Service answers record and chat commands sent as bus requests on
// <prefix>.record and <prefix>.chat.
type Service struct {
	cfg        config.RouterConfig
	bus        *bus.Client
	controller Controller
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	subRecord  *nats.Subscription
	subChat    *nats.Subscription
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, controller Controller, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		controller: controller,
		logger:     logger.With(slog.String("component", "router")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) RecordSubject() string { return s.cfg.Prefix + ".record" }
func (s *Service) ChatSubject() string   { return s.cfg.Prefix + ".chat" }

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(s.RecordSubject(), s.handleRecord)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.RecordSubject(), err)
	}
	s.subRecord = sub

	subChat, err := s.bus.Conn().Subscribe(s.ChatSubject(), s.handleChat)
	if err != nil {
		_ = s.subRecord.Drain()
		return fmt.Errorf("subscribe %s: %w", s.ChatSubject(), err)
	}
	s.subChat = subChat
	s.logger.Info("listening for commands", slog.String("prefix", s.cfg.Prefix))
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.cancel()
	if s.subRecord != nil {
		_ = s.subRecord.Drain()
	}
	if s.subChat != nil {
		_ = s.subChat.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s == nil || !s.cfg.Enabled || (s.subRecord != nil && s.subChat != nil)
}

func (s *Service) handleRecord(msg *nats.Msg) {
	var cmd protocol.RecordCommand
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			s.logger.Warn("router failed to decode record command", slogError(err))
			s.respond(msg, protocol.CommandReply{Error: "invalid record command: " + err.Error()})
			return
		}
	}
	if cmd.Action == "" {
		cmd.Action = protocol.RecordToggle
	}

	var op func(context.Context) (protocol.DisplayState, error)
	switch cmd.Action {
	case protocol.RecordToggle:
		op = s.controller.ToggleRecording
	case protocol.RecordStart:
		op = s.controller.StartRecording
	case protocol.RecordStop:
		op = s.controller.StopRecording
	default:
		s.respond(msg, protocol.CommandReply{Error: fmt.Sprintf("unknown record action %q", cmd.Action)})
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	st, err := op(ctx)
	reply := protocol.CommandReply{State: st}
	if err != nil {
		reply.Error = err.Error()
	}
	s.respond(msg, reply)
}

// handleChat runs the exchange off the subscription goroutine so record
// commands are not queued behind a slow chat backend.
func (s *Service) handleChat(msg *nats.Msg) {
	var cmd protocol.ChatCommand
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			s.logger.Warn("router failed to decode chat command", slogError(err))
			s.respond(msg, protocol.ChatReply{Error: "invalid chat command: " + err.Error()})
			return
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ex, err := s.controller.Submit(s.ctx, cmd.Prompt)
		if err != nil {
			s.respond(msg, protocol.ChatReply{Error: err.Error()})
			return
		}
		reply := protocol.ChatReply{Exchange: ex, Display: ex.Response}
		if ex.Error != "" {
			reply.Display = "Error: " + ex.Error
		}
		s.respond(msg, reply)
	}()
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("router failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
