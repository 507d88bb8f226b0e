// Command api serves the HTTP surface and hands upload batches to Redis for
// cmd/worker to process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/retina-intake/internal/api"
	"github.com/dharsanguruparan/retina-intake/internal/config"
	"github.com/dharsanguruparan/retina-intake/internal/logging"
	"github.com/dharsanguruparan/retina-intake/internal/pipeline"
	"github.com/dharsanguruparan/retina-intake/internal/queue"
	"github.com/dharsanguruparan/retina-intake/internal/signing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New(false)
		boot.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.IsDev())
	if err := cfg.EnsureDirs(); err != nil {
		logger.Fatal().Err(err).Msg("create storage roots")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := pipeline.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()
	objects, err := pipeline.OpenObjects(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init object storage")
	}

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	deps := api.Deps{
		Jobs:       store,
		Dispatcher: queue.NewClient(client),
		Signer:     signing.NewSigner([]byte(cfg.SigningSecret), cfg.SignedURLTTL),
		Logger:     logger,
	}
	if objects != nil {
		deps.Presigner = objects
	}
	if err := api.New(cfg, deps).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("api stopped")
		os.Exit(1)
	}
}
