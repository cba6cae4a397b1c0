package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/dunamismax/pixelshift/internal/admission"
	"github.com/dunamismax/pixelshift/internal/api"
	"github.com/dunamismax/pixelshift/internal/config"
	"github.com/dunamismax/pixelshift/internal/logging"
	"github.com/dunamismax/pixelshift/internal/pipeline"
	"github.com/dunamismax/pixelshift/internal/publish"
	"github.com/dunamismax/pixelshift/internal/queue"
	"github.com/dunamismax/pixelshift/internal/runner"
	"github.com/dunamismax/pixelshift/internal/staging"
	"github.com/dunamismax/pixelshift/internal/storage"
	"github.com/dunamismax/pixelshift/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr).With().Timestamp().Logger()
		fallback.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.Log, "api")

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "pixelshift-api",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
		Environment:  cfg.Telemetry.Environment,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("setup tracing")
	}

	fs := afero.NewOsFs()
	stagingStore, err := staging.NewStore(fs, cfg.Staging.Dir, cfg.Worker.Program)
	if err != nil {
		logger.Fatal().Err(err).Msg("configure staging")
	}
	if err := stagingStore.Ensure(); err != nil {
		logger.Fatal().Err(err).Str("dir", stagingStore.Root()).Msg("prepare staging")
	}
	if err := stagingStore.CheckWorker(); err != nil {
		logger.Fatal().Err(err).Str("program", cfg.Worker.Program).Msg("worker program unavailable")
	}

	apiOpts := api.Options{MaxUploadBytes: cfg.API.MaxUploadBytes}
	var publisher publish.Publisher
	switch cfg.Publish.Backend {
	case config.PublishBackendS3:
		storageClient, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
			Region:   cfg.Storage.Region,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("create storage client")
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = storageClient.EnsureBucket(bucketCtx)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("bucket", storageClient.Bucket()).Msg("ensure bucket")
		}
		publisher, err = publish.NewObjectStore(fs, storageClient, publish.ObjectStoreConfig{
			Prefix:     cfg.Publish.ObjectPrefix,
			BaseURL:    cfg.Publish.BaseURL,
			PresignTTL: cfg.Publish.PresignTTL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("configure object store publisher")
		}
	default:
		local, err := publish.NewLocal(fs, cfg.Publish.Dir, cfg.Publish.URLPrefix)
		if err != nil {
			logger.Fatal().Err(err).Msg("configure local publisher")
		}
		publisher = local
		apiOpts.Files = local.Handler()
		apiOpts.FilesPrefix = local.URLPrefix()
	}

	localSlots, err := admission.NewLocal(cfg.Worker.MaxConcurrent)
	if err != nil {
		logger.Fatal().Err(err).Msg("configure admission")
	}
	limiters := admission.Chain{localSlots}
	if cfg.Worker.GlobalLimit > 0 {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer rdb.Close()

		globalSlots, err := admission.NewRedisSlots(rdb, cfg.Worker.GlobalLimit, cfg.Worker.GlobalLease, "")
		if err != nil {
			logger.Fatal().Err(err).Msg("configure global admission")
		}
		limiters = append(limiters, globalSlots)
	}

	var cleanup pipeline.CleanupScheduler
	if cfg.Queue.Enabled {
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Staging.Retention)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Warn().Err(err).Msg("queue client close")
			}
		}()
		cleanup = queueClient
	}

	workerRunner := runner.New(runner.Config{
		Command: cfg.Worker.Command,
		Timeout: cfg.Worker.Timeout,
		OnTransition: func(from, to runner.State) {
			logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("worker state")
		},
	}, logger)

	registry := prometheus.NewRegistry()
	processor, err := pipeline.NewProcessor(pipeline.Config{
		Staging:       stagingStore,
		Runner:        workerRunner,
		Publisher:     publisher,
		Limiter:       limiters,
		AdmissionWait: cfg.Worker.AdmissionWait,
		Cleanup:       cleanup,
		Registerer:    registry,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("configure pipeline")
	}

	apiOpts.Registry = registry
	app := api.NewServer(logger, processor, apiOpts)

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      writeTimeout(cfg.Worker),
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.API.Addr).
			Str("staging", stagingStore.Root()).
			Str("publish_backend", cfg.Publish.Backend).
			Int("max_workers", localSlots.Size()).
			Bool("cleanup_queue", cfg.Queue.Enabled).
			Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.Timeout+10*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown")
	}
}

// writeTimeout covers admission, the worker run and publishing. An unbounded
// worker gets an unbounded response.
func writeTimeout(w config.WorkerConfig) time.Duration {
	if w.Timeout <= 0 {
		return 0
	}
	return w.Timeout + w.AdmissionWait + time.Minute
}
