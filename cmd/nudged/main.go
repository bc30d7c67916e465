package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"followup-nudge-engine/pkg/config"
	redisClient "followup-nudge-engine/pkg/redis"
	"followup-nudge-engine/pkg/service"
)

func main() {
	// A missing .env is fine; the process environment still applies.
	_ = godotenv.Load()

	cfg := config.Load()

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithField("pod_id", cfg.PodID).Info("Starting follow-up nudge engine")

	pol, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.WithError(err).WithField("path", cfg.PolicyFile).Fatal("Failed to load escalation policy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redis, err := redisClient.NewClient(ctx, redisClient.DefaultConnectionConfig(cfg.RedisURL, cfg.DispatchWorkers), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	svc, err := service.NewService(redis.GetRedisClient(), cfg, pol, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build service")
	}

	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start service")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during service shutdown")
	}
	cancel()

	logger.Info("Nudge engine shutdown complete")
}
