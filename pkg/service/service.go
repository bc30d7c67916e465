// Package service assembles the engine, its background loops and the HTTP
// surface for one pod.
package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/audit"
	"followup-nudge-engine/pkg/channels/whatsapp"
	"followup-nudge-engine/pkg/clock"
	"followup-nudge-engine/pkg/config"
	"followup-nudge-engine/pkg/dispatch"
	"followup-nudge-engine/pkg/engine"
	"followup-nudge-engine/pkg/handlers"
	"followup-nudge-engine/pkg/metrics"
	"followup-nudge-engine/pkg/models"
	"followup-nudge-engine/pkg/scheduler"
	"followup-nudge-engine/pkg/server"
	"followup-nudge-engine/pkg/store"
	"followup-nudge-engine/pkg/worker"
)

type Service struct {
	config     *config.Config
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	engine     *engine.Engine
	emitter    *audit.StreamEmitter
	humanQueue *audit.HumanQueueConsumer
	leader     *worker.LeaderElection
	runner     *worker.Runner
	server     *http.Server
}

// NewService builds every component. reg receives the collectors and gatherer
// serves them on /metrics.
func NewService(rdb *redis.Client, cfg *config.Config, pol config.Policy, reg prometheus.Registerer, gatherer prometheus.Gatherer, logger *logrus.Logger) (*Service, error) {
	m := metrics.NewMetrics(reg)
	clk := clock.System()

	emitter := audit.NewStreamEmitter(rdb, logger, m, cfg.AuditStreamMaxLen, 0)

	sched := scheduler.DefaultOptions()
	sched.DraftTimeout = cfg.DraftTimeout()
	sched.CalendarTimeout = cfg.CalendarTimeout()
	sched.MaxRetries = pol.Retry.MaxRetries

	eng := engine.Assemble(engine.Setup{
		Store:      store.NewRedisStore(rdb, logger, m, cfg.ClaimLease()),
		Clock:      clk,
		Escalation: pol.Escalation,
		Guardrails: pol.Guardrails,
		Scheduling: sched,
		Dispatch: dispatch.Options{
			SendTimeout:   cfg.SendTimeout(),
			RatePerSecond: cfg.SendRatePerSecond,
			RateBurst:     cfg.SendRateBurst,
			Retry:         pol.Retry,
		},
		Senders:  buildSenders(cfg, clk, logger),
		Drafter:  buildDrafter(cfg),
		Calendar: buildCalendar(cfg),
		Emitter:  emitter,
		Options: engine.Options{
			WorkerID:            cfg.PodID,
			ClaimBatchSize:      cfg.ClaimBatchSize,
			DispatchConcurrency: cfg.DispatchWorkers,
		},
	}, logger, m)

	leader := worker.NewLeaderElection(rdb, cfg.PodID, cfg.LeaderElectionTTLDuration(), 0, logger, m)
	runner, err := worker.NewRunner(eng, leader, cfg.TickSchedule, cfg.TickInterval(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create tick runner: %w", err)
	}

	handler := handlers.NewHandler(eng, handlers.Options{
		PodID:       cfg.PodID,
		CronSecret:  cfg.CronSecret,
		VerifyToken: cfg.WebhookVerifyToken,
		IsLeader:    leader.IsLeader,
		Ping:        func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		NeedsHuman: func(ctx context.Context, limit int64) ([]models.Event, error) {
			return audit.ListNeedsHuman(ctx, rdb, limit)
		},
		Clock: clk,
	}, logger)

	return &Service{
		config:     cfg,
		logger:     logger,
		metrics:    m,
		engine:     eng,
		emitter:    emitter,
		humanQueue: audit.NewHumanQueueConsumer(rdb, cfg.PodID, logger, m),
		leader:     leader,
		runner:     runner,
		server:     server.NewHTTPServer(cfg.Port, server.NewRouter(handler, gatherer, logger)),
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting nudge engine service")

	s.emitter.Start(ctx)

	if err := s.humanQueue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start human queue consumer: %w", err)
	}

	s.leader.Start(ctx)
	s.runner.Start(ctx)

	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	s.logger.WithField("pod_id", s.config.PodID).Info("Nudge engine service started successfully")
	return nil
}

// Stop drains in reverse start order. The audit emitter goes last so events
// from in-flight work are flushed.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping nudge engine service")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
	}

	s.runner.Stop()
	s.leader.Stop()
	s.humanQueue.Stop()
	s.emitter.Stop()

	s.logger.Info("Nudge engine service stopped")
	return err
}

func (s *Service) Engine() *engine.Engine {
	return s.engine
}

// buildSenders routes WhatsApp through the Cloud API when credentials are set.
// Channels without a provider go to the log sender.
func buildSenders(cfg *config.Config, clk clock.Clock, logger *logrus.Logger) map[models.Channel]dispatch.Sender {
	fallback := dispatch.LogSender{Logger: logger}
	senders := map[models.Channel]dispatch.Sender{
		models.ChannelEmail:    fallback,
		models.ChannelSMS:      fallback,
		models.ChannelWhatsApp: fallback,
	}
	if cfg.WhatsAppEnabled() {
		senders[models.ChannelWhatsApp] = whatsapp.NewClient(whatsapp.Config{
			AccessToken:   cfg.WhatsAppAccessToken,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			APIVersion:    cfg.WhatsAppAPIVersion,
		}, &http.Client{Timeout: cfg.SendTimeout()}, clk, logger)
	}
	return senders
}

func buildDrafter(cfg *config.Config) scheduler.Drafter {
	if cfg.DrafterURL != "" {
		return scheduler.HTTPDrafter{URL: cfg.DrafterURL, Client: &http.Client{Timeout: cfg.DraftTimeout()}}
	}
	return scheduler.TemplateDrafter{Confidence: cfg.DraftConfidence}
}

func buildCalendar(cfg *config.Config) scheduler.CalendarLookup {
	if cfg.CalendarURL == "" {
		return nil
	}
	return scheduler.HTTPCalendar{URL: cfg.CalendarURL, Client: &http.Client{Timeout: cfg.CalendarTimeout()}}
}
