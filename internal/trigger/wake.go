package trigger

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-dispatch/internal/bus"
	"github.com/loqalabs/loqa-dispatch/internal/config"
	"github.com/loqalabs/loqa-dispatch/internal/pipeline"
	"github.com/loqalabs/loqa-dispatch/internal/protocol"
	"github.com/nats-io/nats.go"
)

var ErrInvalidAccessKey = errors.New("invalid wake access key")

// Runner executes one pipeline run. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, trigger string) (protocol.PipelineResult, error)
}

// Service listens for wake events on the bus and starts a pipeline run for
// each one. Results are sent to the requester and published on the result
// subject.
type Service struct {
	cfg    config.WakeConfig
	bus    *bus.Client
	runner Runner
	logger *slog.Logger
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(parent context.Context, cfg config.WakeConfig, busClient *bus.Client, runner Runner, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if cfg.Subject == "" {
		cfg.Subject = protocol.SubjectWake
	}
	if cfg.ResultSubject == "" {
		cfg.ResultSubject = protocol.SubjectResult
	}
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		runner: runner,
		logger: logger.With(slog.String("component", "wake")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if err := s.cfg.RequireWakeKey(); err != nil {
		return err
	}
	sub, err := s.bus.Conn().Subscribe(s.cfg.Subject, s.handleWake)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("wake listener started", slog.String("subject", s.cfg.Subject))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.sub != nil && s.sub.IsValid())
}

func (s *Service) handleWake(msg *nats.Msg) {
	var event protocol.WakeEvent
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Warn("wake listener failed to decode event", slogError(err))
			s.respond(msg, protocol.PipelineResult{Error: err.Error()})
			return
		}
	}
	if subtle.ConstantTimeCompare([]byte(event.AccessKey), []byte(s.cfg.AccessKey)) != 1 {
		s.logger.Warn("wake event rejected", slog.String("source", event.Source))
		s.respond(msg, protocol.PipelineResult{Error: ErrInvalidAccessKey.Error()})
		return
	}

	// Run outside the subscription callback so a second wake while busy is
	// answered instead of queued.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("wake event received", slog.String("source", event.Source), slog.String("keyword", event.Keyword))
		result, err := s.runner.Run(s.ctx, pipeline.TriggerBus)
		if err != nil && !errors.Is(err, pipeline.ErrBusy) {
			s.logger.Debug("wake run failed", slogError(err))
		}
		s.respond(msg, result)
		if err := s.bus.PublishJSON(s.cfg.ResultSubject, result); err != nil {
			s.logger.Warn("wake listener failed to publish result", slogError(err))
		}
	}()
}

func (s *Service) respond(msg *nats.Msg, result protocol.PipelineResult) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("wake listener failed to encode result", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("wake listener failed to reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
