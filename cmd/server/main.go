// Command server runs the HTTP API and an in-process worker pool in a single
// binary. No Redis is needed. On shutdown the pool drains submitted jobs for
// up to SHUTDOWN_TIMEOUT; jobs that have not started by then are marked failed.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/retina-intake/internal/api"
	"github.com/dharsanguruparan/retina-intake/internal/config"
	"github.com/dharsanguruparan/retina-intake/internal/logging"
	"github.com/dharsanguruparan/retina-intake/internal/pipeline"
	"github.com/dharsanguruparan/retina-intake/internal/processing"
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

	p := pipeline.New(cfg, store, objects, logger)
	defer p.Close()

	pool := processing.New(p.Jobs, store, cfg.Workers, logger)
	pool.Start(ctx)

	deps := api.Deps{
		Jobs:       store,
		Dispatcher: pool,
		Signer:     signing.NewSigner([]byte(cfg.SigningSecret), cfg.SignedURLTTL),
		Logger:     logger,
	}
	if objects != nil {
		deps.Presigner = objects
	}
	srv := api.New(cfg, deps)
	runErr := srv.Run(ctx)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("server stopped")
	}
	drain(pool, cfg.ShutdownTimeout, logger)
	if runErr != nil {
		os.Exit(1)
	}
}

func drain(pool *processing.Processor, timeout time.Duration, logger zerolog.Logger) {
	logger.Info().Dur("timeout", timeout).Msg("draining job pool")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("pool drain timed out; queued jobs marked failed")
	}
}
