package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/dunamismax/pixelshift/internal/config"
	"github.com/dunamismax/pixelshift/internal/logging"
	"github.com/dunamismax/pixelshift/internal/staging"
	"github.com/dunamismax/pixelshift/internal/telemetry"
	"github.com/dunamismax/pixelshift/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr).With().Timestamp().Logger()
		fallback.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.Log, "worker")

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), telemetry.TraceConfig{
		ServiceName:  "pixelshift-worker",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
		Environment:  cfg.Telemetry.Environment,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("setup tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	stagingStore, err := staging.NewStore(afero.NewOsFs(), cfg.Staging.Dir, cfg.Worker.Program)
	if err != nil {
		logger.Fatal().Err(err).Msg("configure staging")
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, stagingStore)
	if err != nil {
		logger.Fatal().Err(err).Msg("configure worker")
	}

	if cfg.Worker.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           srv.MetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer metricsServer.Close()
	}

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Str("staging", stagingStore.Root()).
		Msg("starting worker")

	if err := srv.Run(); err != nil {
		logger.Error().Err(err).Msg("worker failed")
		os.Exit(1)
	}
}
