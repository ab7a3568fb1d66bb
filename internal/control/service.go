package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voicebot/internal/bus"
	"github.com/loqalabs/loqa-voicebot/internal/protocol"
)

// Service serves speak and control requests from the bus.
type Service struct {
	bus        *bus.Client
	dispatcher *Dispatcher
	logger     *slog.Logger
	subSpeak   *nats.Subscription
	subControl *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewService(parent context.Context, busClient *bus.Client, dispatcher *Dispatcher, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:        busClient,
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("component", "control-service")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectSpeak, "voicebot", s.handleSpeak)
	if err != nil {
		return err
	}
	s.subSpeak = sub

	subControl, err := s.bus.Conn().QueueSubscribe(protocol.SubjectControl, "voicebot", s.handleControl)
	if err != nil {
		_ = s.subSpeak.Drain()
		return err
	}
	s.subControl = subControl
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subSpeak != nil {
		_ = s.subSpeak.Drain()
	}
	if s.subControl != nil {
		_ = s.subControl.Drain()
	}
}

func (s *Service) Healthy() bool {
	return s.subSpeak != nil && s.subControl != nil && s.bus.Healthy()
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		s.reply(msg, protocol.SpeakReply{Error: "invalid request"})
		return
	}
	source := req.Source
	if source == "" {
		source = "bus"
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	job, err := s.dispatcher.Speak(ctx, SpeakInput{GuildID: req.GuildID, Text: req.Text, StyleID: req.StyleID, Source: source})
	if err != nil {
		s.logger.Info("speak request rejected", slog.String("guild_id", req.GuildID), slogError(err))
		s.reply(msg, protocol.SpeakReply{Error: err.Error()})
		return
	}
	s.reply(msg, protocol.SpeakReply{JobID: job.ID, Pending: s.dispatcher.sup.Queue().Len(req.GuildID)})
}

func (s *Service) handleControl(msg *nats.Msg) {
	var req protocol.ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode control request", slogError(err))
		s.reply(msg, protocol.ControlReply{Error: "invalid request"})
		return
	}
	reply := s.dispatcher.Handle(req)
	s.logger.Info("control request handled",
		slog.String("guild_id", req.GuildID),
		slog.String("action", string(req.Action)))
	s.reply(msg, reply)
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond", slogError(err))
	}
}
