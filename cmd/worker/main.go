package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/retina-intake/internal/config"
	"github.com/dharsanguruparan/retina-intake/internal/logging"
	"github.com/dharsanguruparan/retina-intake/internal/pipeline"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		boot := logging.New(false)
		boot.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.IsDev())
	if cfg.DatabaseURL == "" {
		// The in-memory store cannot be shared with the api process.
		logger.Fatal().Msg("DATABASE_URL is required for the worker")
	}
	if err := cfg.EnsureDirs(); err != nil {
		logger.Fatal().Err(err).Msg("create storage roots")
	}

	store, closeStore, err := pipeline.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()
	objects, err := pipeline.OpenObjects(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init object storage")
	}
	p := pipeline.New(cfg, store, objects, logger)
	defer p.Close()

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency:     cfg.Workers,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          asynqLogger{logger.With().Str("component", "asynq").Logger()},
	})

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info().Int("concurrency", cfg.Workers).Msg("worker started")
	if err := server.Run(p.Jobs.Handler()); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
}
