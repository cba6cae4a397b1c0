// Package pipeline runs one image transformation job from upload to published
// artifacts.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelshift/internal/admission"
	"github.com/dunamismax/pixelshift/internal/domain"
	"github.com/dunamismax/pixelshift/internal/id"
	"github.com/dunamismax/pixelshift/internal/publish"
	"github.com/dunamismax/pixelshift/internal/runner"
)

const (
	sniffLen               = 512
	defaultAdmissionWait   = 30 * time.Second
	cleanupScheduleTimeout = 5 * time.Second
)

// Request is one submitted transformation.
type Request struct {
	Spec     domain.TransformSpec
	Filename string
	Body     io.Reader
}

// Stager is the private working area of a job.
type Stager interface {
	Ensure() error
	WriteInput(artifact domain.UploadArtifact, src io.Reader) (string, int64, error)
	StageWorker(jobID string) (string, error)
	WorkerName(jobID string) string
	OutputPath(artifact domain.UploadArtifact) string
}

// Invoker runs the transformation worker.
type Invoker interface {
	Run(ctx context.Context, args []string) (runner.Result, error)
}

// CleanupScheduler arranges for staged files to be removed later.
type CleanupScheduler interface {
	ScheduleCleanup(ctx context.Context, jobID string, files []string) error
}

type Config struct {
	Staging   Stager
	Runner    Invoker
	Publisher publish.Publisher
	// Limiter bounds concurrently running workers. Nil admits every job.
	Limiter admission.Limiter
	// AdmissionWait is how long a job may wait for a worker slot.
	AdmissionWait time.Duration
	// Cleanup is optional; without it staged files are left in place.
	Cleanup CleanupScheduler
	// Registerer receives the job metrics. Nil keeps them unregistered.
	Registerer prometheus.Registerer
	// NewID overrides job id generation in tests.
	NewID func() string
}

type Processor struct {
	staging       Stager
	runner        Invoker
	publisher     publish.Publisher
	limiter       admission.Limiter
	admissionWait time.Duration
	cleanup       CleanupScheduler
	newID         func() string
	metrics       *metrics
	tracer        trace.Tracer
	logger        zerolog.Logger
}

func NewProcessor(cfg Config, logger zerolog.Logger) (*Processor, error) {
	if cfg.Staging == nil {
		return nil, errors.New("staging store is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("worker runner is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher is required")
	}

	wait := cfg.AdmissionWait
	if wait <= 0 {
		wait = defaultAdmissionWait
	}
	newID := cfg.NewID
	if newID == nil {
		newID = id.New
	}

	return &Processor{
		staging:       cfg.Staging,
		runner:        cfg.Runner,
		publisher:     cfg.Publisher,
		limiter:       cfg.Limiter,
		admissionWait: wait,
		cleanup:       cfg.Cleanup,
		newID:         newID,
		metrics:       newMetrics(cfg.Registerer),
		tracer:        otel.Tracer("pixelshift/pipeline"),
		logger:        logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Process stages the upload, runs the worker on it and publishes both the
// original and the transformed image. Failures are returned as *Error.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	if req.Body == nil {
		return Result{}, fail(ErrValidation, "validate", "", errors.New("image is required"))
	}

	body := bufio.NewReaderSize(req.Body, sniffLen)
	head, _ := body.Peek(sniffLen)

	job := &Job{
		ID:   p.newID(),
		Spec: req.Spec,
	}
	job.Upload = domain.UploadArtifact{ID: job.ID, Extension: id.Extension(req.Filename, head)}

	ctx, span := p.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("upload.extension", job.Upload.Extension),
	))
	defer span.End()

	logger := p.logger.With().Str("job_id", job.ID).Logger()
	defer p.scheduleCleanup(ctx, job, logger)

	result, err := p.run(ctx, job, body, logger)
	outcome := outcomeOf(err)
	elapsed := time.Since(started)
	p.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	p.metrics.jobDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		logger.Warn().Err(err).Str("outcome", outcome).Dur("duration", elapsed).Msg("job failed")
		return Result{}, err
	}

	result.Duration = elapsed
	logger.Info().
		Str("original_url", result.OriginalURL).
		Str("processed_url", result.ProcessedURL).
		Dur("duration", elapsed).
		Msg("job completed")
	return result, nil
}

func (p *Processor) run(ctx context.Context, job *Job, body io.Reader, logger zerolog.Logger) (Result, error) {
	if err := p.stage(ctx, job, body); err != nil {
		return Result{}, err
	}
	logger.Debug().Int64("bytes", job.InputBytes).Str("input", job.InputPath).Msg("upload staged")

	release, err := p.admit(ctx, job)
	if err != nil {
		return Result{}, err
	}
	res, err := p.invoke(ctx, job)
	release()
	if err != nil {
		return Result{}, err
	}

	urls, err := p.publish(ctx, job)
	if err != nil {
		return Result{}, err
	}

	return Result{
		JobID:        job.ID,
		OriginalURL:  urls.Original,
		ProcessedURL: urls.Processed,
		Output:       res.Stdout,
	}, nil
}

func (p *Processor) stage(ctx context.Context, job *Job, body io.Reader) error {
	_, span := p.tracer.Start(ctx, "pipeline.stage")
	defer span.End()

	if err := p.staging.Ensure(); err != nil {
		return spanFail(span, fail(ErrStaging, "stage", job.ID, err))
	}

	path, n, err := p.staging.WriteInput(job.Upload, body)
	if err != nil {
		return spanFail(span, fail(ErrStaging, "stage input", job.ID, err))
	}
	job.InputPath = path
	job.InputBytes = n
	job.Upload.Size = n
	job.OutputPath = p.staging.OutputPath(job.Upload)
	p.metrics.stagedBytes.Add(float64(n))

	workerPath, err := p.staging.StageWorker(job.ID)
	if err != nil {
		return spanFail(span, fail(ErrStaging, "stage worker", job.ID, err))
	}
	job.WorkerPath = workerPath
	span.SetAttributes(attribute.Int64("upload.bytes", n))
	return nil
}

func (p *Processor) admit(ctx context.Context, job *Job) (admission.Release, error) {
	if p.limiter == nil {
		return func() {}, nil
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.admit")
	defer span.End()

	waitCtx, cancel := context.WithTimeout(ctx, p.admissionWait)
	defer cancel()

	started := time.Now()
	release, err := p.limiter.Acquire(waitCtx)
	p.metrics.admissionWait.Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, spanFail(span, fail(ErrBusy, "admit", job.ID, err))
	}
	return release, nil
}

func (p *Processor) invoke(ctx context.Context, job *Job) (runner.Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.invoke")
	defer span.End()

	args := job.Spec.WorkerArgs(job.WorkerPath, job.InputPath, job.OutputPath)

	p.metrics.activeWorkers.Inc()
	res, err := p.runner.Run(ctx, args)
	p.metrics.activeWorkers.Dec()

	job.Stdout = res.Stdout
	job.Stderr = res.Stderr
	if res.State.Terminal() {
		code := res.ExitCode
		job.ExitCode = &code
		p.metrics.workerExits.WithLabelValues(string(res.State)).Inc()
		span.SetAttributes(attribute.Int("worker.exit_code", code))
	}

	switch {
	case errors.Is(err, runner.ErrTimeout):
		e := fail(ErrTimeout, "invoke", job.ID, err)
		e.Details = res.Stderr
		return res, spanFail(span, e)
	case err != nil:
		e := fail(ErrWorkerExecution, "invoke", job.ID, err)
		e.Details = res.Stderr
		return res, spanFail(span, e)
	case res.State != runner.StateExitedOK:
		e := fail(ErrWorkerExecution, "invoke", job.ID, fmt.Errorf("worker exited with code %d", res.ExitCode))
		e.Details = res.Stderr
		return res, spanFail(span, e)
	}
	return res, nil
}

func (p *Processor) publish(ctx context.Context, job *Job) (publish.URLs, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.publish")
	defer span.End()

	urls, err := p.publisher.Publish(ctx, publish.Artifacts{
		JobID:         job.ID,
		OriginalPath:  job.InputPath,
		OriginalName:  job.Upload.FileName(),
		ProcessedPath: job.OutputPath,
		ProcessedName: job.Upload.ProcessedFileName(),
	})
	if err != nil {
		return publish.URLs{}, spanFail(span, fail(ErrPublish, "publish", job.ID, err))
	}
	return urls, nil
}

func (p *Processor) scheduleCleanup(ctx context.Context, job *Job, logger zerolog.Logger) {
	if p.cleanup == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupScheduleTimeout)
	defer cancel()

	files := job.StagedFiles(p.staging.WorkerName(job.ID))
	if err := p.cleanup.ScheduleCleanup(ctx, job.ID, files); err != nil {
		logger.Warn().Err(err).Msg("schedule staging cleanup")
	}
}

func spanFail(span trace.Span, err *Error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Kind.Error())
	return err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "succeeded"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrStaging):
		return "staging_failed"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrTimeout):
		return "timed_out"
	case errors.Is(err, ErrPublish):
		return "publish_failed"
	default:
		return "worker_failed"
	}
}
