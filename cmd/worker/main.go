package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"batch-pipeline/internal/config"
	"batch-pipeline/internal/logging"
	"batch-pipeline/internal/queue"
	"batch-pipeline/internal/storage"
	"batch-pipeline/internal/store"
	"batch-pipeline/internal/telemetry"
	"batch-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	objects, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init object storage")
	}

	q := queue.NewRedisQueue(cfg)
	processor := worker.NewProcessor(cfg, q, st, objects, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().Str("queue", cfg.QueueName).Dur("visibility", cfg.VisibilityTimeout).Msg("worker started")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped")
	}
	logger.Info().Msg("worker stopped")
}
