// Package worker consumes deferred maintenance tasks produced by the API.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelshift/internal/config"
	"github.com/dunamismax/pixelshift/internal/queue"
	"github.com/dunamismax/pixelshift/internal/staging"
)

// Remover deletes staged files by base name.
type Remover interface {
	Remove(names ...string) error
}

type Server struct {
	logger  zerolog.Logger
	server  *asynq.Server
	staging Remover
	metrics *metrics
	tracer  trace.Tracer
}

func NewServer(logger zerolog.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, remover Remover) (*Server, error) {
	if remover == nil {
		return nil, errors.New("staging remover is required")
	}

	logger = logger.With().Str("component", "worker").Logger()
	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: max(1, workerCfg.Concurrency),
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn().
						Err(err).
						Str("type", task.Type()).
						Int("retry", retried).
						Int("max_retry", maxRetry).
						Msg("task failed")
				}),
			},
		),
		staging: remover,
		metrics: newMetrics(),
		tracer:  otel.Tracer("pixelshift/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	return s.server.Run(s.mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeCleanupStaging, s.handleCleanup)
	return mux
}

func (s *Server) handleCleanup(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	status := "failed"
	defer func() {
		s.metrics.taskDuration.Observe(time.Since(startedAt).Seconds())
		s.metrics.tasksTotal.WithLabelValues(status).Inc()
	}()

	payload, err := queue.ParseCleanupPayload(task)
	if err != nil {
		status = "invalid"
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	_, span := s.tracer.Start(ctx, "worker.cleanup_staging", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.Int("cleanup.files", len(payload.Files)),
	)
	defer span.End()

	err = s.staging.Remove(payload.Files...)
	if errors.Is(err, staging.ErrInvalidName) {
		// A tampered payload will not get better on retry.
		status = "invalid"
		s.metrics.removalFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid file name")
		return fmt.Errorf("remove staged files: %v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		s.metrics.removalFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "cleanup failed")
		return fmt.Errorf("remove staged files: %w", err)
	}

	status = "succeeded"
	s.metrics.filesRemoved.Add(float64(len(payload.Files)))
	s.logger.Debug().
		Str("job_id", payload.JobID).
		Int("files", len(payload.Files)).
		Dur("age", time.Since(payload.ScheduledAt)).
		Msg("staging cleaned")
	span.SetStatus(codes.Ok, "cleaned")
	return nil
}
